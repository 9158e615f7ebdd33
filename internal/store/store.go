// Package store 基于 bbolt 的 K 线缓存：每个交易对一个子桶，键为大端 unix 纳秒时间戳，
// 因此游标顺序即时间顺序。
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"trading-engine-go/eventbus"
	"trading-engine-go/eventloop"
	"trading-engine-go/market"
)

var ErrNotFound = errors.New("store: not found")

const bucketCandles = "candles"

// Store 可被多个 goroutine 同时使用（bbolt 自身串行化写事务）。
type Store struct {
	db *bolt.DB
}

type candleRecord struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketCandles))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(ts time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(ts.UnixNano()))
	return k
}

func decode(symbol string, k, v []byte) (market.Candle, error) {
	var r candleRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return market.Candle{}, fmt.Errorf("decode candle %s: %w", symbol, err)
	}
	return market.Candle{
		Symbol: symbol,
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
		Ts:     time.Unix(0, int64(binary.BigEndian.Uint64(k))).UTC(),
	}, nil
}

// SaveCandles 写入（同一时间戳覆盖），单个事务。
func (s *Store) SaveCandles(_ context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketCandles))
		for _, c := range candles {
			if !c.Valid() {
				return fmt.Errorf("invalid candle %s at %s", c.Symbol, c.Ts)
			}
			b, err := root.CreateBucketIfNotExists([]byte(c.Symbol))
			if err != nil {
				return err
			}
			v, err := json.Marshal(candleRecord{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume})
			if err != nil {
				return err
			}
			if err := b.Put(key(c.Ts), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Candle 读取单根 K 线。
func (s *Store) Candle(_ context.Context, symbol string, ts time.Time) (market.Candle, error) {
	var out market.Candle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCandles)).Bucket([]byte(symbol))
		if b == nil {
			return ErrNotFound
		}
		k := key(ts)
		v := b.Get(k)
		if v == nil {
			return ErrNotFound
		}
		c, err := decode(symbol, k, v)
		out = c
		return err
	})
	return out, err
}

// LoadRange 按时间顺序返回 [from, to) 内的 K 线；to 为零值表示不设上限。
func (s *Store) LoadRange(ctx context.Context, symbol string, from, to time.Time) ([]market.Candle, error) {
	var out []market.Candle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCandles)).Bucket([]byte(symbol))
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		var end []byte
		if !to.IsZero() {
			end = key(to)
		}
		for k, v := c.Seek(key(from)); k != nil; k, v = c.Next() {
			if end != nil && string(k) >= string(end) {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			candle, err := decode(symbol, k, v)
			if err != nil {
				return err
			}
			out = append(out, candle)
		}
		return nil
	})
	return out, err
}

// LoadAll 返回交易对的全部 K 线。
func (s *Store) LoadAll(ctx context.Context, symbol string) ([]market.Candle, error) {
	return s.LoadRange(ctx, symbol, time.Unix(0, 0), time.Time{})
}

// Last 最新一根 K 线。
func (s *Store) Last(_ context.Context, symbol string) (market.Candle, error) {
	var out market.Candle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCandles)).Bucket([]byte(symbol))
		if b == nil {
			return ErrNotFound
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return ErrNotFound
		}
		c, err := decode(symbol, k, v)
		out = c
		return err
	})
	return out, err
}

// Count 交易对缓存的 K 线数量。
func (s *Store) Count(_ context.Context, symbol string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCandles)).Bucket([]byte(symbol))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Symbols 已缓存的交易对，按字典序。
func (s *Store) Symbols(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCandles)).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

// Record 把 src 的增量 K 线持续写入缓存（快照部分忽略，视为已存在）。
// 写入在守卫所属循环上同步执行，失败交给 onErr。
func (s *Store) Record(g *eventbus.Guard, src *eventbus.TimeseriesChannel[market.Candle], onErr func(error)) *eventbus.Subscription {
	return eventbus.ListenSeries(g, src, eventloop.Low, nil, func(c market.Candle) {
		if err := s.SaveCandles(context.Background(), []market.Candle{c}); err != nil && onErr != nil {
			onErr(err)
		}
	})
}
