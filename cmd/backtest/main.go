package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"trading-engine-go/internal/container"
	"trading-engine-go/posttrade"
)

// 配置驱动的回测：读取 CSV 或 bbolt 缓存中的 K 线，经撮合网关回放并输出统计。
// 用法：
//
//	go run ./cmd/backtest -config configs/backtest.yaml -out equity.csv
func main() {
	cfgPath := flag.String("config", "configs/backtest.yaml", "配置文件路径")
	outPath := flag.String("out", "", "若指定则写入权益曲线 CSV")
	flag.Parse()

	c, err := container.New(*cfgPath, container.ModeBacktest)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("构建失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, equity, err := run(ctx, c)
	if stopErr := c.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		log.Fatalf("回测失败: %v", err)
	}

	printStats(c.Config().Engine.Symbol, stats)
	if *outPath != "" {
		if err := writeEquity(*outPath, equity); err != nil {
			log.Fatalf("写入 %s 失败: %v", *outPath, err)
		}
		fmt.Printf("权益曲线已写入 %s\n", *outPath)
	}
}

func run(ctx context.Context, c *container.Container) (posttrade.Stats, []posttrade.EquityPoint, error) {
	candles, err := c.LoadCandles(ctx)
	if err != nil {
		return posttrade.Stats{}, nil, err
	}
	if len(candles) == 0 {
		return posttrade.Stats{}, nil, fmt.Errorf("no candles for %s", c.Config().Engine.Symbol)
	}
	if err := c.Start(ctx); err != nil {
		return posttrade.Stats{}, nil, err
	}
	start := time.Now()
	n, err := c.RunBacktest(ctx, candles)
	if err != nil {
		return posttrade.Stats{}, nil, err
	}
	fmt.Printf("回放 %d 根 K 线，用时 %s\n", n, time.Since(start).Round(time.Millisecond))
	a := c.Engine().Analyzer()
	return a.Stats(), a.Equity(), nil
}

func printStats(symbol string, s posttrade.Stats) {
	fmt.Printf("== %s ==\n", symbol)
	fmt.Printf("交易次数: %d (盈 %d / 亏 %d, 胜率 %.2f%%)\n", s.Trades, s.Wins, s.Losses, s.WinRate*100)
	fmt.Printf("净盈亏: %.4f  毛利: %.4f  毛亏: %.4f  盈亏比: %.2f\n", s.NetPnL, s.GrossProfit, s.GrossLoss, s.ProfitFactor)
	fmt.Printf("手续费: %.4f  最大回撤: %.4f  平均持仓: %s\n", s.FeesPaid, s.MaxDrawdown, s.AvgHold)
	fmt.Printf("最大单笔盈利: %.4f  最大单笔亏损: %.4f\n", s.LargestWin, s.LargestLoss)
}

func writeEquity(path string, points []posttrade.EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "equity"}); err != nil {
		return err
	}
	for _, p := range points {
		if err := w.Write([]string{p.Time.Format(time.RFC3339), strconv.FormatFloat(p.Equity, 'f', 6, 64)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
