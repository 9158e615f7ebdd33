package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadCandlesCSV 读取 CSV 文件，列为 timestamp,open,high,low,close[,volume]。
// timestamp 支持毫秒时间戳或 RFC3339；首行若不是数字视为表头。
func LoadCandlesCSV(path, symbol string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()
	return ReadCandlesCSV(f, symbol)
}

// ReadCandlesCSV 解析 K 线 CSV，要求同一交易对时间戳单调不减。
func ReadCandlesCSV(r io.Reader, symbol string) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var out []Candle
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line++
		if len(rec) == 0 || strings.HasPrefix(strings.TrimSpace(rec[0]), "#") {
			continue
		}
		if line == 1 && isHeader(rec[0]) {
			continue
		}
		c, err := parseCandle(rec, symbol)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(out); n > 0 && c.Ts.Before(out[n-1].Ts) {
			return nil, fmt.Errorf("line %d: timestamp %s before previous %s", line, c.Ts, out[n-1].Ts)
		}
		out = append(out, c)
	}
	return out, nil
}

func isHeader(first string) bool {
	first = strings.TrimSpace(first)
	if _, err := strconv.ParseInt(first, 10, 64); err == nil {
		return false
	}
	if _, err := time.Parse(time.RFC3339, first); err == nil {
		return false
	}
	return true
}

func parseCandle(rec []string, symbol string) (Candle, error) {
	if len(rec) < 5 {
		return Candle{}, fmt.Errorf("want at least 5 columns, got %d", len(rec))
	}
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return Candle{}, err
	}
	vals := make([]float64, 5)
	for i := 1; i < len(rec) && i <= 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return Candle{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		vals[i-1] = v
	}
	c := Candle{
		Symbol: symbol,
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
		Ts:     ts,
	}
	if !c.Valid() {
		return Candle{}, fmt.Errorf("inconsistent candle %+v", c)
	}
	return c, nil
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}
