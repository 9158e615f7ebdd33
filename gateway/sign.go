package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// timeNowMillis 测试中可替换。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 追加 timestamp 后按键排序编码，返回查询串及其 HMAC-SHA256 十六进制签名。
func SignParams(params map[string]string, secret string) (query, signature string) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(timeNowMillis(), 10))
	query = values.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}
