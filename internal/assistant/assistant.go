// Package assistant answers chat messages: fixed keywords list schedules or
// start countdowns, and anything that starts with a date becomes a reminder.
// Messages that match nothing get no reply.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"remindbot/internal/countdown"
	"remindbot/internal/dispatch"
	"remindbot/internal/reminder"
	"remindbot/internal/timeparse"
	logx "remindbot/pkg/logx"
)

const shortIDLen = 8

// Replies that do not depend on data.
const (
	ReplyCoffee     = "要請我喝杯咖啡嗎?"
	ReplyNoSchedule = "目前沒有相關排程。"
	ReplyParseHint  = "看不懂這個時間，請用「7/1 14:00 開會」或「7/1 下午3點 開會」的格式。"
	ReplyPastTime   = "這個時間已經過去了，無法設定提醒。"
	ReplyStoreDown  = "暫時無法儲存提醒，請稍後再試。"
	ReplyNoCount    = "目前沒有進行中的倒數計時。"
)

type intent int

const (
	intentToday intent = iota + 1
	intentTomorrow
	intentThisWeek
	intentNextWeek
	intentUpcoming
	intentCountdown
	intentCancelCountdown
	intentCoffee
)

var exact = map[string]intent{
	"今天有哪些行程": intentToday,
	"明天有哪些行程": intentTomorrow,
	"本週有哪些行程": intentThisWeek,
	"下週有哪些行程": intentNextWeek,
	"有哪些提醒":   intentUpcoming,
	"倒數計時":    intentCountdown,
	"開始倒數":    intentCountdown,
	"取消倒數":    intentCancelCountdown,
	"說哈囉":     intentCoffee,
	"你好":      intentCoffee,
}

// Tracker is the part of the dispatcher the assistant drives.
// *dispatch.Dispatcher satisfies it.
type Tracker interface {
	Track(r reminder.Reminder)
	Untrack(id string)
	Deliver(ctx context.Context, r reminder.Reminder) (dispatch.Outcome, error)
}

// Countdowns is satisfied by *countdown.Service.
type Countdowns interface {
	Start(target string, d time.Duration) (countdown.Timer, error)
	Cancel(target string) bool
	Default() time.Duration
}

type Service struct {
	reg       *reminder.Registry
	tracker   Tracker
	countdown Countdowns
	log       logx.Logger
}

func New(reg *reminder.Registry, tracker Tracker, cd Countdowns, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, tracker: tracker, countdown: cd, log: log.With(logx.String("comp", "assistant"))}
}

// OnScheduleRequest returns the reply for text sent by owner at now. An
// empty reply means the message is not for the bot.
func (s *Service) OnScheduleRequest(ctx context.Context, owner, text string, now time.Time) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	now = now.In(s.reg.Location())

	if it, ok := exact[text]; ok {
		return s.keyword(ctx, owner, it, now)
	}
	if rest, ok := cutCommand(text, "倒數"); ok {
		return s.startCountdown(owner, rest)
	}
	if rest, ok := cutCommand(text, "取消"); ok {
		return s.cancel(ctx, owner, rest)
	}
	if rest, ok := cutCommand(text, "重試"); ok {
		return s.retry(ctx, owner, rest, now)
	}
	if !startsWithDigit(text) {
		return ""
	}
	return s.create(ctx, owner, text, now)
}

func (s *Service) keyword(ctx context.Context, owner string, it intent, now time.Time) string {
	switch it {
	case intentCoffee:
		return ReplyCoffee
	case intentCountdown:
		return s.startCountdown(owner, "")
	case intentCancelCountdown:
		if s.countdown == nil || !s.countdown.Cancel(owner) {
			return ReplyNoCount
		}
		return "已取消倒數計時。"
	case intentToday:
		return s.list(ctx, owner, reminder.Today(now), "15:04")
	case intentTomorrow:
		return s.list(ctx, owner, reminder.Tomorrow(now), "15:04")
	case intentThisWeek:
		return s.list(ctx, owner, reminder.ThisWeek(now), "01/02 15:04")
	case intentNextWeek:
		return s.list(ctx, owner, reminder.NextWeek(now), "01/02 15:04")
	case intentUpcoming:
		return s.upcoming(ctx, owner, now)
	}
	return ""
}

func (s *Service) list(ctx context.Context, owner string, p reminder.Period, layout string) string {
	rows, err := s.reg.QueryRange(ctx, owner, p.Start, p.End,
		reminder.StatusPending, reminder.StatusSent, reminder.StatusFailed)
	if err != nil {
		s.log.Warn("list query failed", logx.String("owner", owner), logx.Err(err))
		return ReplyStoreDown
	}
	if len(rows) == 0 {
		return ReplyNoSchedule
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.ScheduledAt.Format(layout)+" - "+r.Content)
	}
	return strings.Join(lines, "\n")
}

func (s *Service) upcoming(ctx context.Context, owner string, now time.Time) string {
	rows, err := s.reg.QueryRange(ctx, owner, now, time.Time{}, reminder.StatusPending)
	if err != nil {
		s.log.Warn("upcoming query failed", logx.String("owner", owner), logx.Err(err))
		return ReplyStoreDown
	}
	if len(rows) == 0 {
		return ReplyNoSchedule
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s - %s (#%s)", r.ScheduledAt.Format("01/02 15:04"), r.Content, ShortID(r.ID)))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) startCountdown(owner, arg string) string {
	if s.countdown == nil {
		return ""
	}
	d := s.countdown.Default()
	if arg = strings.TrimSpace(arg); arg != "" {
		parsed, err := timeparse.ParseDuration(arg)
		if err != nil {
			return "看不懂倒數的時間，請用「倒數 5分鐘」或「倒數 90秒」。"
		}
		d = parsed
	}
	tm, err := s.countdown.Start(owner, d)
	switch {
	case errors.Is(err, countdown.ErrTooLong):
		return "倒數時間太長了。"
	case err != nil:
		s.log.Warn("countdown start failed", logx.String("owner", owner), logx.Err(err))
		return "無法開始倒數計時。"
	}
	return countdown.StartedText(tm.Duration)
}

func (s *Service) create(ctx context.Context, owner, text string, now time.Time) string {
	res, err := timeparse.Parse(text, now)
	if err != nil {
		return ReplyParseHint
	}
	rem, err := s.reg.Create(ctx, owner, res.At, res.Content)
	var storeErr *reminder.StoreWriteError
	switch {
	case errors.Is(err, reminder.ErrPastTime):
		return ReplyPastTime
	case errors.As(err, &storeErr):
		s.log.Error("create reminder failed", logx.String("owner", owner), logx.Err(err))
		return ReplyStoreDown
	case err != nil:
		return ReplyParseHint
	}
	if s.tracker != nil {
		s.tracker.Track(rem)
	}
	return fmt.Sprintf("已設定提醒：%s %s（編號 %s）", formatWhen(rem.ScheduledAt, now), rem.Content, ShortID(rem.ID))
}

func (s *Service) cancel(ctx context.Context, owner, prefix string) string {
	rem, reply := s.lookup(ctx, owner, prefix)
	if reply != "" {
		return reply
	}
	ok, err := s.reg.Cancel(ctx, rem.ID)
	if err != nil {
		s.log.Warn("cancel failed", logx.String("id", rem.ID), logx.Err(err))
		return ReplyStoreDown
	}
	if !ok {
		return fmt.Sprintf("這個提醒已經無法取消（狀態：%s）。", statusText(rem.Status))
	}
	if s.tracker != nil {
		s.tracker.Untrack(rem.ID)
	}
	return fmt.Sprintf("已取消提醒：%s %s", rem.ScheduledAt.Format("01/02 15:04"), rem.Content)
}

// retry re-queues a failed reminder. One whose time has already passed is
// delivered right away since no sweep window will cover it again.
func (s *Service) retry(ctx context.Context, owner, prefix string, now time.Time) string {
	rem, reply := s.lookup(ctx, owner, prefix)
	if reply != "" {
		return reply
	}
	ok, err := s.reg.Retry(ctx, rem.ID)
	if err != nil {
		s.log.Warn("retry failed", logx.String("id", rem.ID), logx.Err(err))
		return ReplyStoreDown
	}
	if !ok {
		return fmt.Sprintf("只有發送失敗的提醒可以重試（狀態：%s）。", statusText(rem.Status))
	}
	rem.Status = reminder.StatusPending
	if s.tracker == nil {
		return "已重新排程提醒：" + rem.Content
	}
	if rem.ScheduledAt.After(now) {
		s.tracker.Track(rem)
		return fmt.Sprintf("已重新排程提醒：%s %s", rem.ScheduledAt.Format("01/02 15:04"), rem.Content)
	}
	if out, err := s.tracker.Deliver(ctx, rem); out != dispatch.OutcomeSent {
		if err == nil {
			err = errors.New(out.String())
		}
		return "重新發送失敗：" + err.Error()
	}
	return "已重新發送提醒：" + rem.Content
}

func (s *Service) lookup(ctx context.Context, owner, prefix string) (reminder.Reminder, string) {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "#")
	if prefix == "" {
		return reminder.Reminder{}, "請提供提醒編號，例如「取消 1a2b3c4d」。"
	}
	rem, err := s.reg.FindByPrefix(ctx, owner, prefix)
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return rem, fmt.Sprintf("找不到編號 %s 的提醒。", prefix)
	case errors.Is(err, reminder.ErrAmbiguousID):
		return rem, fmt.Sprintf("編號 %s 對應到多個提醒，請提供更長的編號。", prefix)
	case err != nil:
		s.log.Warn("lookup failed", logx.String("prefix", prefix), logx.Err(err))
		return rem, ReplyStoreDown
	}
	return rem, ""
}

// ShortID is the id prefix shown to users.
func ShortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func formatWhen(at, now time.Time) string {
	if at.Year() != now.Year() {
		return at.Format("2006/01/02 15:04")
	}
	return at.Format("01/02 15:04")
}

func statusText(st reminder.Status) string {
	switch st {
	case reminder.StatusPending:
		return "等待中"
	case reminder.StatusSent:
		return "已發送"
	case reminder.StatusFailed:
		return "發送失敗"
	case reminder.StatusCancelled:
		return "已取消"
	}
	return string(st)
}

// cutCommand matches "<cmd> <arg>" and the bare "<cmd>".
func cutCommand(text, cmd string) (string, bool) {
	if text == cmd {
		return "", true
	}
	rest, ok := strings.CutPrefix(text, cmd)
	if !ok {
		return "", false
	}
	r := []rune(rest)
	if len(r) == 0 || !unicode.IsSpace(r[0]) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func startsWithDigit(text string) bool {
	for _, r := range text {
		return unicode.IsDigit(r)
	}
	return false
}
