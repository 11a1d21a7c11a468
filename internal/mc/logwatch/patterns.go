package logwatch

import (
	"regexp"
	"strings"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

// deathVerbs lists every Java Edition death message fragment. A log line
// matches when a player handle is followed by one of these verbs.
var deathVerbs = []string{
	`died`,
	`was killed`,

	`was slain by`,
	`was fireballed by`,
	`was shot by`,
	`was pummeled by`,
	`was killed by .+ using`,
	`was killed while trying to hurt`,
	`was impaled by`,
	`was destroyed by`,
	`was shot by a skull from`,

	`burned to death`,
	`went up in flames`,
	`drowned`,
	`experienced kinetic energy`,
	`blew up`,
	`was blown up by`,
	`was killed by \[Intentional Game Design\]`,
	`hit the ground too hard`,
	`fell from a high place`,
	`fell off`,
	`fell while climbing`,
	`was doomed to fall`,
	`was impaled on a stalagmite`,
	`tried to swim in lava`,
	`was struck by lightning`,
	`discovered the floor was lava`,
	`walked into the danger zone`,
	`froze to death`,
	`was frozen to death by`,
	`starved to death`,
	`suffocated in a wall`,
	`was squished too much`,
	`was squashed by`,
	`left the confines of this world`,
	`fell out of the world`,
	`didn't want to live in the same world as`,
	`withered away`,

	`was pricked to death`,
	`walked into a cactus`,
	`went off with a bang`,
	`was squashed by a falling anvil`,
	`was squashed by a falling block`,
	`was skewered by a falling stalactite`,
	`was poked to death by a sweet berry bush`,
	`died from dehydration`,
	`was stung to death`,
	`was obliterated by a sonically-charged shriek`,
	`didn't want to live as`,
}

const (
	logTimePattern    = `\[(\d+:\d+:\d+)\]`
	playerNamePattern = `([^<>\[\]]+)`
)

var (
	deathPattern = regexp.MustCompile(
		logTimePattern + `.*?: ` + playerNamePattern + ` (` + strings.Join(deathVerbs, "|") + `)`,
	)
	readyPattern = regexp.MustCompile(`RCON running on .+:\d+`)
)

// Classify maps one raw server log line to a domain event. Lines that are
// neither a player death nor a readiness signal come back as
// domain.EventUnrecognized.
func Classify(line string, now time.Time) domain.Event {
	if m := deathPattern.FindStringSubmatch(line); m != nil {
		return domain.Event{
			Kind:      domain.EventPlayerDeath,
			Timestamp: now,
			Handle:    strings.TrimSpace(m[2]),
			Line:      line,
		}
	}
	if readyPattern.MatchString(line) {
		return domain.Event{
			Kind:      domain.EventServerReady,
			Timestamp: now,
			Line:      line,
		}
	}
	return domain.Event{Kind: domain.EventUnrecognized, Timestamp: now, Line: line}
}
