package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/teranos/harvest/jobstore"
)

func TestSymbolToCommandAndCommandToSymbolAreBidirectional(t *testing.T) {
	for cmd, symbol := range CommandToSymbol {
		got, ok := SymbolToCommand[symbol]
		if !ok {
			t.Errorf("CommandToSymbol has %q → %q, but SymbolToCommand has no entry for %q", cmd, symbol, symbol)
			continue
		}
		if got != cmd {
			t.Errorf("bidirectional mismatch: CommandToSymbol[%q] = %q, but SymbolToCommand[%q] = %q", cmd, symbol, symbol, got)
		}
	}
	if len(SymbolToCommand) != len(CommandToSymbol) {
		t.Errorf("two commands share a glyph: %d commands, %d glyphs", len(CommandToSymbol), len(SymbolToCommand))
	}
}

func TestCommandDescriptionsCoversAllCommands(t *testing.T) {
	for cmd := range CommandToSymbol {
		if _, ok := CommandDescriptions[cmd]; !ok {
			t.Errorf("CommandDescriptions missing entry for command %q", cmd)
		}
	}
	for cmd := range CommandDescriptions {
		if _, ok := CommandToSymbol[cmd]; !ok {
			t.Errorf("CommandDescriptions has entry for %q which is not in CommandToSymbol", cmd)
		}
	}
}

func TestGlyphsAreSingleRunes(t *testing.T) {
	for cmd, symbol := range CommandToSymbol {
		if n := utf8.RuneCountInString(symbol); n != 1 {
			t.Errorf("glyph for %q has %d runes, want 1", cmd, n)
		}
	}
}

func TestStatus(t *testing.T) {
	tests := map[jobstore.Status]string{
		jobstore.StatusWait: Wait,
		jobstore.StatusDone: Done,
		jobstore.StatusExit: Exit,
		"":                  Wait,
	}
	for status, want := range tests {
		if got := Status(status); got != want {
			t.Errorf("Status(%q) = %q, want %q", status, got, want)
		}
	}
}
