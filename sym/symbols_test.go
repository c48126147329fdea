package sym

import (
	"testing"
	"unicode/utf8"
)

func TestStatusAndGlyphMapsAreBidirectional(t *testing.T) {
	for _, e := range registry {
		glyph := ForStatus(e.status)
		if glyph != e.glyph {
			t.Errorf("ForStatus(%q) = %q, want %q", e.status, glyph, e.glyph)
		}
		status := StatusOf(e.glyph)
		if status != e.status {
			t.Errorf("StatusOf(%q) = %q, want %q", e.glyph, status, e.status)
		}
	}
}

func TestMapsHaveSameSize(t *testing.T) {
	if len(statusToGlyph) != len(glyphToStatus) {
		t.Errorf("map size mismatch: statusToGlyph has %d entries, glyphToStatus has %d",
			len(statusToGlyph), len(glyphToStatus))
	}
}

func TestUnknownStatusFallsBackToPending(t *testing.T) {
	if got := ForStatus("no-such-status"); got != Pending {
		t.Errorf("ForStatus for unknown status = %q, want pending glyph %q", got, Pending)
	}
	if got := StatusOf("Z"); got != "" {
		t.Errorf("StatusOf for unknown glyph = %q, want empty", got)
	}
}

func TestStatusLabelsCoversAllStatuses(t *testing.T) {
	for _, e := range registry {
		if _, ok := StatusLabels[e.status]; !ok {
			t.Errorf("StatusLabels missing entry for status %q", e.status)
		}
	}
}

func TestStatusLabelsHasNoExtraEntries(t *testing.T) {
	for status := range StatusLabels {
		if _, ok := statusToGlyph[status]; !ok {
			t.Errorf("StatusLabels has entry for %q which is not in the registry", status)
		}
	}
}

func TestGlyphsAreValidUnicode(t *testing.T) {
	glyphs := []string{
		Running, Completed, Error, Cancelled, Pending,
		Connected, Connecting, Disconnected,
		Trace, Job, SOP, DB,
	}
	for _, glyph := range glyphs {
		if !utf8.ValidString(glyph) {
			t.Errorf("glyph %q is not valid UTF-8", glyph)
		}
		if utf8.RuneCountInString(glyph) == 0 {
			t.Error("glyph is empty")
		}
	}
}

func TestNoDuplicateStatusGlyphs(t *testing.T) {
	seen := make(map[string]string, len(registry))
	for _, e := range registry {
		if prev, ok := seen[e.glyph]; ok {
			t.Errorf("duplicate glyph %q: used by both %q and %q", e.glyph, prev, e.status)
		}
		seen[e.glyph] = e.status
	}
}
