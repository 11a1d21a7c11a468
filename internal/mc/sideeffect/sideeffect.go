// Package sideeffect issues best-effort console commands against the live
// server after a death: the TNT penalty for survivors, title and sound
// announcements, and scoreboard upkeep. Failures here never block the death
// pipeline.
package sideeffect

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

// Commander issues one console command against the running server.
type Commander interface {
	Command(ctx context.Context, cmd string) (string, error)
}

// Config tunes the dispatched effects.
type Config struct {
	// ExplosionDelay is how long survivors have before their TNT detonates.
	ExplosionDelay time.Duration
	// ExplosionEnabled gates the TNT penalty entirely.
	ExplosionEnabled bool

	TitleEnabled bool
	TitleFadeIn  int
	TitleStay    int
	TitleFadeOut int

	SoundEnabled bool
	SoundID      string
	SoundVolume  float64
	SoundPitch   float64
}

// DefaultConfig mirrors the effect tuning a fresh deployment starts with.
func DefaultConfig() Config {
	return Config{
		ExplosionDelay:   5 * time.Second,
		ExplosionEnabled: true,
		TitleEnabled:     true,
		TitleFadeIn:      10,
		TitleStay:        70,
		TitleFadeOut:     20,
		SoundEnabled:     true,
		SoundID:          "minecraft:entity.wither.death",
		SoundVolume:      1.0,
		SoundPitch:       1.0,
	}
}

// Dispatcher sends the effects. Transient console failures get one retry;
// permanent rejections are logged and dropped.
type Dispatcher struct {
	console Commander
	cfg     Config
}

// New builds a dispatcher over the given console.
func New(console Commander, cfg Config) (*Dispatcher, error) {
	if console == nil {
		return nil, fmt.Errorf("console commander is required")
	}
	return &Dispatcher{console: console, cfg: cfg}, nil
}

// TriggerAreaEffect summons primed TNT at every online player except the one
// who died. Per-player failures are logged and skipped so one bad handle does
// not spare the rest.
func (d *Dispatcher) TriggerAreaEffect(ctx context.Context, deadHandle string) error {
	if !d.cfg.ExplosionEnabled {
		return nil
	}

	listing, err := d.command(ctx, "list")
	if err != nil {
		return fmt.Errorf("list online players: %w", err)
	}
	players := parsePlayerList(listing)
	if len(players) == 0 {
		log.Printf("no online players to target after %s died", deadHandle)
		return nil
	}

	fuse := int(d.cfg.ExplosionDelay.Seconds()) * 20
	if fuse < 0 {
		fuse = 0
	}
	for _, player := range players {
		if player == deadHandle {
			continue
		}
		cmd := fmt.Sprintf("execute at %s run summon minecraft:tnt ~ ~ ~ {Fuse:%d}", player, fuse)
		if _, err := d.command(ctx, cmd); err != nil {
			log.Printf("summon tnt for %s: %v", player, err)
		}
	}
	return nil
}

// ShowDeathTitle announces the failed challenge to everyone online.
func (d *Dispatcher) ShowDeathTitle(ctx context.Context, handle string) error {
	if !d.cfg.TitleEnabled {
		return nil
	}

	commands := []string{
		fmt.Sprintf("title @a times %d %d %d", d.cfg.TitleFadeIn, d.cfg.TitleStay, d.cfg.TitleFadeOut),
		`title @a title {"text":"挑戦失敗！","color":"red"}`,
		fmt.Sprintf(`title @a subtitle {"text":"%s が死亡しました","color":"white"}`, handle),
	}
	for _, cmd := range commands {
		if _, err := d.command(ctx, cmd); err != nil {
			return fmt.Errorf("show death title: %w", err)
		}
	}
	return nil
}

// PlayDeathSound plays the configured sound at every online player.
func (d *Dispatcher) PlayDeathSound(ctx context.Context) error {
	if !d.cfg.SoundEnabled {
		return nil
	}
	cmd := fmt.Sprintf("execute at @a run playsound %s master @a ~ ~ ~ %g %g",
		d.cfg.SoundID, d.cfg.SoundVolume, d.cfg.SoundPitch)
	if _, err := d.command(ctx, cmd); err != nil {
		return fmt.Errorf("play death sound: %w", err)
	}
	return nil
}

// InitScoreboard creates the death-count and health objectives. Objectives
// that already exist are fine.
func (d *Dispatcher) InitScoreboard(ctx context.Context) error {
	if _, err := d.command(ctx, `scoreboard objectives add deaths dummy "死亡回数"`); err != nil && !alreadyExists(err) {
		return fmt.Errorf("create deaths objective: %w", err)
	}
	if _, err := d.command(ctx, "scoreboard objectives setdisplay sidebar deaths"); err != nil {
		return fmt.Errorf("display deaths objective: %w", err)
	}
	if _, err := d.command(ctx, "scoreboard objectives add health health"); err != nil && !alreadyExists(err) {
		return fmt.Errorf("create health objective: %w", err)
	}
	if _, err := d.command(ctx, "scoreboard objectives modify health rendertype hearts"); err != nil {
		return fmt.Errorf("set health rendertype: %w", err)
	}
	if _, err := d.command(ctx, "scoreboard objectives setdisplay list health"); err != nil {
		return fmt.Errorf("display health objective: %w", err)
	}
	return nil
}

// UpdateScoreboard writes each participant's death count to the sidebar.
func (d *Dispatcher) UpdateScoreboard(ctx context.Context, participants []domain.Participant) error {
	for _, p := range participants {
		cmd := fmt.Sprintf("scoreboard players set %s deaths %d", p.Handle, p.DeathCount)
		if _, err := d.command(ctx, cmd); err != nil {
			return fmt.Errorf("set death count for %s: %w", p.Handle, err)
		}
	}
	return nil
}

// command runs one console command with a single retry for transient
// failures. Permanent failures are not retried.
func (d *Dispatcher) command(ctx context.Context, cmd string) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		response, err := d.console.Command(ctx, cmd)
		if err != nil {
			if domain.IsPermanent(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return response, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
}

// parsePlayerList extracts handles from a "list" response such as
// "There are 2 of a max of 20 players online: Steve, Alex".
func parsePlayerList(response string) []string {
	_, after, found := strings.Cut(response, ":")
	if !found {
		return nil
	}
	var players []string
	for _, part := range strings.Split(after, ",") {
		if name := strings.TrimSpace(part); name != "" {
			players = append(players, name)
		}
	}
	return players
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
