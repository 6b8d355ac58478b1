package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"basis-vault-bot/internal/alerts"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		a.clearOperatorError()
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil || upd.Message.Chat == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.ctrl.IsPaused()
		a.ctrl.Pause()
		a.auditOperatorEvent(ctx, meta, "pause", before, true)
		if before {
			return "strategy already paused", nil
		}
		return "strategy paused", nil
	case "unpause":
		before := a.ctrl.IsPaused()
		a.ctrl.Unpause()
		a.auditOperatorEvent(ctx, meta, "unpause", before, false)
		if !before {
			return "strategy already active", nil
		}
		return "strategy unpaused", nil
	case "stop":
		a.ctrl.Stop()
		a.auditOperatorEvent(ctx, meta, "stop", a.ctrl.IsPaused(), a.ctrl.IsPaused())
		return "wind-down started: exposure will be returned to the vault", nil
	case "upkeep":
		action, err := a.ctrl.PerformUpkeep(ctx)
		if err != nil {
			return "", err
		}
		if a.sim != nil {
			if err := a.sim.ExecuteAll(ctx); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("upkeep action: %s", action), nil
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus() string {
	utilize, deutilize := a.ctrl.PendingUtilizations()
	return strings.Join([]string{
		fmt.Sprintf("status: %s", a.ctrl.Status()),
		fmt.Sprintf("paused: %t", a.ctrl.IsPaused()),
		fmt.Sprintf("stopped: %t", a.ctrl.IsStopped()),
		fmt.Sprintf("idle_assets: %s %s", a.vault.IdleAssets(), a.cfg.Strategy.Asset),
		fmt.Sprintf("total_assets: %s %s", a.vault.TotalAssets(), a.cfg.Strategy.Asset),
		fmt.Sprintf("pending_withdraw: %s %s", a.vault.TotalPendingWithdraw(), a.cfg.Strategy.Asset),
		fmt.Sprintf("spot_exposure: %s %s", a.spot.Exposure(), a.cfg.Strategy.Product),
		fmt.Sprintf("hedge_size: %s %s", a.hedge.PositionSizeInTokens(), a.cfg.Strategy.Product),
		fmt.Sprintf("leverage: %s", a.hedge.CurrentLeverage().Round(4)),
		fmt.Sprintf("pending_utilization: %s %s", utilize, a.cfg.Strategy.Asset),
		fmt.Sprintf("pending_deutilization: %s %s", deutilize, a.cfg.Strategy.Product),
		fmt.Sprintf("next_action: %s", a.ctrl.CheckUpkeep(context.Background())),
	}, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current strategy status",
		"/pause - pause all strategy actions",
		"/unpause - resume after a pause",
		"/stop - wind down and return capital to the vault",
		"/upkeep - run one maintenance step now",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	a.opMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opMu.Unlock()
	if !warned {
		a.log.Warn("telegram operator failed", zap.Error(err))
	}
}

func (a *App) clearOperatorError() {
	a.opMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = false
	a.opMu.Unlock()
	if warned {
		a.log.Info("telegram operator recovered")
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, action string, pausedBefore, pausedAfter bool) {
	if a.store == nil {
		return
	}
	event := operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
