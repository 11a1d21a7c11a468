package notify

import (
	"context"
	"log"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

// DefaultLocale is the announcement locale the server community runs in.
const DefaultLocale = "ja"

func init() {
	register := func(tag language.Tag, entries map[string]string) {
		for key, value := range entries {
			message.SetString(tag, key, value)
		}
	}
	register(language.Japanese, map[string]string{
		"death.header":    "挑戦失敗！ %s が死亡しました",
		"death.cause":     "死因: %s",
		"death.narration": "状況: %s",
		"death.counters":  "死亡回数: %d回 / 挑戦回数: %d回",
		"death.duration":  "今回の挑戦時間: %s / 累計: %s",
		"reset.progress":  "ワールドリセット [%s] %s",
	})
	register(language.English, map[string]string{
		"death.header":    "Challenge failed! %s died",
		"death.cause":     "Cause: %s",
		"death.narration": "Details: %s",
		"death.counters":  "Deaths: %d / Runs: %d",
		"death.duration":  "This run: %s / Total: %s",
		"reset.progress":  "World reset [%s] %s",
	})
}

// LogNotifier renders announcements to the process log through a localized
// printer. It is the always-on notifier; richer transports layer on top.
type LogNotifier struct {
	printer *message.Printer
}

// NewLogNotifier builds a notifier for the given locale, falling back to the
// default locale when the tag does not parse.
func NewLogNotifier(locale string) *LogNotifier {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		tag = language.Japanese
	}
	return &LogNotifier{printer: message.NewPrinter(tag)}
}

func (n *LogNotifier) NotifyDeath(_ context.Context, notice DeathNotice) error {
	p := n.printer
	log.Print(p.Sprintf("death.header", notice.Handle))
	log.Print(p.Sprintf("death.cause", notice.Narration.Summary))
	if notice.Narration.Description != "" {
		log.Print(p.Sprintf("death.narration", notice.Narration.Description))
	}
	log.Print(p.Sprintf("death.counters", notice.DeathCount, notice.RunCount))
	log.Print(p.Sprintf("death.duration",
		domain.FormatDuration(notice.RunDuration),
		domain.FormatDuration(notice.TotalElapsed)))
	return nil
}

func (n *LogNotifier) NotifyReset(_ context.Context, stage ResetStage, detail string) error {
	log.Print(n.printer.Sprintf("reset.progress", string(stage), detail))
	return nil
}
