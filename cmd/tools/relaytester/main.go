package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tavern-relay/internal/config"
	chatModel "github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/service/chat"
	"github.com/zhouzirui/tavern-relay/internal/service/remote"
	"github.com/zhouzirui/tavern-relay/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("无法加载 .env，改用系统环境变量", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "配置加载失败", err)
	}

	mode := flag.String("mode", "send", "测试模式: send, history 或 persona")
	key := flag.String("key", "", "会话 key，留空则自动生成")
	personaID := flag.String("persona", "", "persona ID")
	text := flag.String("text", "", "send 模式发送的文本")
	limit := flag.Int("limit", 20, "history 模式返回的条数")
	useSQLite := flag.Bool("sqlite", false, "使用 STORE_PATH 指向的 sqlite 存储以复用已有会话")
	timeout := flag.Duration("timeout", 90*time.Second, "整体超时时间")

	flag.Parse()

	conversationKey := chatModel.ConversationKey(*key)
	if conversationKey == "" {
		conversationKey = chatModel.ConversationKey(fmt.Sprintf("manual-%d", time.Now().UnixNano()))
	}

	var conversations remote.ConversationStore = chat.NewService()
	if *useSQLite {
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			fatal(logger, "打开 sqlite 存储失败", err)
		}
		defer s.Close()
		conversations = s
	}

	client, err := remote.NewFromConfig(cfg.Remote, conversations, logger)
	if err != nil {
		fatal(logger, "创建客户端失败", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "send":
		if strings.TrimSpace(*text) == "" || *personaID == "" {
			flag.Usage()
			fatal(logger, "send 模式需要 -persona 和 -text", nil)
		}
		start := time.Now()
		reply, err := client.Send(ctx, conversationKey, *personaID, *text)
		if err != nil {
			report(logger, err)
		}
		logger.Info("发送成功", "key", conversationKey, "elapsed", time.Since(start).Round(time.Millisecond))
		printJSON(reply)
	case "history":
		history, err := client.History(ctx, conversationKey, *limit)
		if err != nil {
			report(logger, err)
		}
		printJSON(history)
	case "persona":
		if *personaID == "" {
			fatal(logger, "persona 模式需要 -persona", nil)
		}
		p, err := client.Persona(ctx, *personaID)
		if err != nil {
			report(logger, err)
		}
		printJSON(p)
	default:
		flag.Usage()
		fatal(logger, "未知模式 "+*mode, nil)
	}
}

// report 打印每次尝试的失败原因后退出
func report(logger *slog.Logger, err error) {
	var exhausted *remote.ExhaustedError
	if errors.As(err, &exhausted) {
		for i, attempt := range exhausted.Attempts {
			logger.Error("attempt failed", "n", i+1, "credential", attempt.Credential, "strategy", attempt.Strategy, "class", attempt.Class, "error", attempt.Err)
		}
	}
	fatal(logger, "调用失败", err)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
