//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	telegramTimeout    = 10 * time.Second
)

var errTelegramNotConfigured = errors.New("telegram: bot_token and chat_ids not configured")

// TelegramConfig holds Telegram bot settings for the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string // defaults to https://api.telegram.org
}

// telegramNotifier posts script messages to the configured chats. Sends run
// in the background so a slow API never stalls a script.
type telegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newTelegramNotifier(cfg TelegramConfig, logger *slog.Logger) *telegramNotifier {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &telegramNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: telegramTimeout},
		logger: logger,
	}
}

func (n *telegramNotifier) configured() bool {
	return n.cfg.BotToken != "" && len(n.cfg.ChatIDs) > 0
}

// send queues msg for every chat.
func (n *telegramNotifier) send(ctx context.Context, msg string) error {
	if !n.configured() {
		return errTelegramNotConfigured
	}
	for _, chatID := range n.cfg.ChatIDs {
		chatID := chatID
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.post(ctx, chatID, msg); err != nil {
				n.logger.Warn("telegram send", "chat_id", chatID, "err", err)
			}
		}()
	}
	return nil
}

func (n *telegramNotifier) post(ctx context.Context, chatID, msg string) error {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.cfg.APIURL, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// wait blocks until queued sends finish.
func (n *telegramNotifier) wait() {
	n.wg.Wait()
}

// registerTelegramModule installs the `telegram` global table.
//
//	telegram.send(msg) -> true | false, err
func registerTelegramModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		ctx := context.Background()
		if e.coord != nil {
			ctx = e.coord.Context()
		}
		if err := e.telegram.send(ctx, msg); err != nil {
			vm.log(e, slog.LevelWarn, err.Error())
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
	L.SetGlobal("telegram", mod)
}
