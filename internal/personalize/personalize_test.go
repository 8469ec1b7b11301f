package personalize_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/gmoralespe/wagateway/internal/personalize"
)

func TestMessage_ContainsTemplateAndOneEmoji(t *testing.T) {
	t.Parallel()

	p := personalize.New(rand.New(rand.NewSource(1)))

	for i := 0; i < 200; i++ {
		got := p.Message("Hola", "")

		if !strings.Contains(got, "Hola") {
			t.Fatalf("variant %q lost the template", got)
		}

		count := 0
		for _, e := range personalize.Emojis() {
			count += strings.Count(got, e)
		}
		if count != 1 {
			t.Fatalf("variant %q carries %d emojis, want exactly 1", got, count)
		}
	}
}

func TestMessage_InterpolatesRealName(t *testing.T) {
	t.Parallel()

	p := personalize.New(rand.New(rand.NewSource(7)))

	for i := 0; i < 50; i++ {
		got := p.Message("promo del día", "Ana")
		if !strings.Contains(got, "Ana") {
			t.Fatalf("named variant %q does not mention the recipient", got)
		}
		if !strings.Contains(got, "promo del día") {
			t.Fatalf("named variant %q lost the template", got)
		}
	}
}

func TestMessage_GenericWhenNameMissing(t *testing.T) {
	t.Parallel()

	p := personalize.New(rand.New(rand.NewSource(3)))

	got := p.Message("oferta", "")
	if !strings.Contains(got, "oferta") {
		t.Fatalf("variant %q lost the template", got)
	}
}

func TestMessage_VariesAcrossARun(t *testing.T) {
	t.Parallel()

	p := personalize.New(rand.New(rand.NewSource(11)))

	seen := map[string]struct{}{}
	for i := 0; i < 40; i++ {
		seen[p.Message("Hola", "")] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected variation across a run, got %d distinct variants", len(seen))
	}
}
