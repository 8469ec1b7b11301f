// Package personalize produces per-recipient variants of a message
// template. Varying decoration and sentence shape across a bulk run
// reduces content-fingerprint throttling by the provider.
package personalize

import (
	"fmt"
	"math/rand"
	"sync"
)

var emojis = []string{
	"😊", "🌟", "✨", "💫", "🎉", "🎊", "🎈", "🍀",
	"☀️", "⭐", "💎", "🎯",
	"🏆", "🎖️", "🏅", "🎁", "🔥", "⚡", "🥳", "😄", "😃", "😀", "😁", "🤩",
	"🙂", "😌", "😋", "😎", "🤗", "🤭", "💪", "👏", "🙌", "👍",
	"✌️", "🤞", "🤟", "👌", "🤘", "💯", "✅",
}

// genericPatterns compose a variant from an emoji and the template when
// no real display name is available.
var genericPatterns = []func(emoji, msg string) string{
	func(e, m string) string { return fmt.Sprintf("%s %s", e, m) },
	func(e, m string) string { return fmt.Sprintf("%s %s", m, e) },
	func(e, m string) string { return fmt.Sprintf("%s ¡Hola! %s", e, m) },
	func(e, m string) string { return fmt.Sprintf("¡Hola! %s %s", m, e) },
	func(e, m string) string { return fmt.Sprintf("%s %s ¡Saludos!", e, m) },
	func(e, m string) string { return fmt.Sprintf("%s %s ¡Que tengas un gran día!", m, e) },
}

var namedPatterns = []func(emoji, name, msg string) string{
	func(e, n, m string) string { return fmt.Sprintf("%s ¡Hola %s! %s", e, n, m) },
	func(e, n, m string) string { return fmt.Sprintf("%s %s ¡Saludos %s!", m, e, n) },
	func(e, n, m string) string { return fmt.Sprintf("%s %s, %s", e, n, m) },
	func(e, n, m string) string { return fmt.Sprintf("¡Hola %s! %s %s", n, m, e) },
}

// Personalizer is safe for concurrent use; the underlying rand source is
// guarded because bulk runs for different tenants share one instance.
type Personalizer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a Personalizer. rnd may be nil, in which case an
// unpredictable source is used; tests inject a seeded one.
func New(rnd *rand.Rand) *Personalizer {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Personalizer{rnd: rnd}
}

// Message returns one randomized variant of template. When displayName
// is non-empty it is interpolated into the variant.
func (p *Personalizer) Message(template, displayName string) string {
	p.mu.Lock()
	emoji := emojis[p.rnd.Intn(len(emojis))]
	generic := p.rnd.Intn(len(genericPatterns))
	named := p.rnd.Intn(len(namedPatterns))
	p.mu.Unlock()

	if displayName != "" {
		return namedPatterns[named](emoji, displayName, template)
	}
	return genericPatterns[generic](emoji, template)
}

// Emojis exposes the decoration pool for tests.
func Emojis() []string {
	out := make([]string, len(emojis))
	copy(out, emojis)
	return out
}
