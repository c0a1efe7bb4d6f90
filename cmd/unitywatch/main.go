package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/config"
	"github.com/zhuweiyou/unitymemory/internal/logger"
)

const (
	logFilePrefix = "unitywatch"
)

func main() {
	configPath := flag.String("config", "unitywatch.toml", "配置文件路径")
	pid := flag.Uint("pid", 0, "目标进程 PID, 为 0 时按配置中的进程名查找")
	once := flag.Bool("once", false, "只读取一次后退出")
	flag.Parse()

	fmt.Println("=== Unity 内存监视工具 ===")
	fmt.Println()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 设置日志文件
	var logOutput io.Writer = os.Stdout
	logFile, err := setupLogFile()
	if err != nil {
		log.Printf("警告: 无法创建日志文件: %v", err)
	} else {
		defer logFile.Close()
		log.SetOutput(logFile)
		logOutput = logFile
		log.Printf("=== 监视开始于 %s ===", time.Now().Format("2006-01-02 15:04:05"))
	}
	l := logger.NewStdLoggerWithWriter(logOutput, logOutput, conf.LogLevel)

	targetPID := uint32(*pid)
	if targetPID == 0 {
		fmt.Printf("正在搜索 %s 进程...\n", conf.Process)
		pids, err := um.FindProcessesByName(conf.Process)
		if err != nil || len(pids) == 0 {
			fmt.Printf("未找到 %s 进程: %v\n", conf.Process, err)
			log.Printf("未找到 %s 进程: %v", conf.Process, err)
			os.Exit(1)
		}
		if len(pids) > 1 {
			fmt.Printf("找到 %d 个 %s 进程: %v, 使用第一个\n", len(pids), conf.Process, pids)
		}
		targetPID = pids[0]
	}

	proc, err := um.OpenProcess(targetPID)
	if err != nil {
		fmt.Printf("打开进程 %d 失败: %v\n", targetPID, err)
		log.Printf("打开进程 %d 失败: %v", targetPID, err)
		os.Exit(1)
	}
	defer proc.Close()

	fmt.Printf("已打开进程 %d (%d 位)\n", targetPID, proc.PointerSize()*8)
	log.Printf("已打开进程 %d (%d 位)", targetPID, proc.PointerSize()*8)
	fmt.Println("按 Ctrl+C 可以随时停止...")
	fmt.Println()

	// 设置信号处理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\n收到信号 %v，正在停止...\n", sig)
		log.Printf("收到信号 %v，停止监视", sig)
		cancel()
	}()

	if err := run(ctx, proc, conf, l, *once); err != nil {
		fmt.Printf("监视失败: %v\n", err)
		log.Printf("监视失败: %v", err)
	}

	if logFile != nil {
		log.Printf("=== 监视结束于 %s ===\n", time.Now().Format("2006-01-02 15:04:05"))
	}
}

// setupLogFile 创建日志文件
func setupLogFile() (*os.File, error) {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFileName := fmt.Sprintf("%s_%s.log", logFilePrefix, timestamp)

	return os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// run 等待运行时加载完成, 然后每个周期打印一次所有监视项
func run(ctx context.Context, mem um.Memory, conf *config.Config, l logger.Logger, once bool) error {
	ticker := time.NewTicker(conf.Interval)
	defer ticker.Stop()

	var watchers []*watcher
	for {
		if watchers == nil {
			m, err := newManager(mem, conf, l)
			if err != nil {
				// 游戏可能还在加载
				fmt.Printf("运行时尚未就绪: %v\n", err)
				l.Warnf("runtime not ready: %v", err)
			} else {
				watchers = newWatchers(m, conf.Watches)
			}
		}

		if watchers != nil {
			printValues(mem, watchers)
			if once {
				return nil
			}
		} else if once {
			return fmt.Errorf("运行时未就绪")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printValues(mem um.Memory, watchers []*watcher) {
	fmt.Printf("[%s]\n", time.Now().Format("15:04:05"))
	for _, w := range watchers {
		value, ok := w.read(mem)
		if !ok {
			value = "<不可用>"
		}
		fmt.Printf("  %s = %s\n", w.name, value)
		log.Printf("%s = %s", w.name, value)
	}
}
