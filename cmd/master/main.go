/*
 * @author: sun977
 * @date: 2025.12.19
 * @description: 主程序入口
 * @func: 加载配置、装配应用、孤儿任务回收、启动服务器、等待中断信号后优雅关停
 */

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notemaster/internal/app/master"
	"notemaster/internal/config"
)

// 关停总预算:编排器取消任务与HTTP排空共用
const shutdownTimeout = 30 * time.Second

func main() {
	// 解析命令行参数
	var (
		configPath string
		env        string
	)
	flag.StringVar(&configPath, "config", "", "配置文件目录(默认./configs)")
	flag.StringVar(&env, "env", "", "环境标识 (dev, test, prod)，默认读取APP_ENV")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configPath, env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 创建应用实例
	app, err := master.NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	// 回收进程重启遗留的孤儿任务，再对外提供服务
	if err := app.Reconcile(context.Background()); err != nil {
		log.Fatalf("Failed to reconcile orphan tasks: %v", err)
	}

	// 启动配置热加载
	if err := config.StartConfigWatcher(configPath, env); err != nil {
		log.Printf("Failed to start config watcher: %v", err)
	} else {
		config.AddConfigReloadCallback(config.LogConfigReloadCallback)
		config.AddConfigReloadCallback(config.SecurityConfigReloadCallback)
		config.AddConfigReloadCallback(config.AdmissionConfigReloadCallback)
		defer config.StopConfigWatcher()
	}

	// 创建HTTP服务器
	addr := cfg.Server.GetAddress()
	server := &http.Server{
		Addr:           addr,
		Handler:        app.GetRouter().GetEngine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	// 启动服务器的goroutine
	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先关编排器:取消中的任务发布终态事件，SSE连接随之结束
	if err := app.GetOrchestrator().Close(ctx); err != nil {
		log.Printf("Orchestrator close: %v", err)
	}

	// 排空HTTP连接
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// 释放外部连接(编排器Close幂等，重复调用无害)
	if err := app.Shutdown(ctx); err != nil {
		log.Printf("App shutdown: %v", err)
	}

	log.Println("Server exiting")
}
