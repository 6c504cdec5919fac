// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package patterns

// defaultVersion identifies the built-in rule set. Bump when the
// built-ins change so capture records can attribute parses to the
// pattern vintage that produced them.
const defaultVersion = 3

// defaultSpinners is the spinner rune alphabet: braille frames plus the
// symbol frames recent agent builds rotate through while working.
const defaultSpinners = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✳✻✽✶✢·∗"

// Default returns the built-in library. The set is tuned against
// Claude-style coding agents driven through tmux; deployments facing a
// different agent overlay their own rules with MergeFile.
func Default() *Library {
	rules := []Rule{
		// Permission prompts. Highest priority: they block unattended
		// progress and must never be mistaken for ordinary output.
		{Category: Permission, Kind: Substring, Pattern: "do you want to"},
		{Category: Permission, Kind: Substring, Pattern: "would you like to"},
		{Category: Permission, Kind: Substring, Pattern: "allow this tool"},
		{Category: Permission, Kind: Substring, Pattern: "needs your permission"},
		{Category: Permission, Kind: Regexp, Pattern: `(?i)\[y/n\]|\(y/n\)|\byes/no\b`},
		{Category: Permission, Kind: Regexp, Pattern: `(?im)^\s*❯?\s*1\.\s*yes\b`},
		{Category: Permission, Kind: Substring, Pattern: "press enter to continue"},

		// Error markers.
		{Category: ErrorMarker, Kind: Prefix, Pattern: "traceback (most recent call last)"},
		{Category: ErrorMarker, Kind: Regexp, Pattern: `(?im)^\s*(error|fatal|panic):`},
		{Category: ErrorMarker, Kind: Substring, Pattern: "command not found"},
		{Category: ErrorMarker, Kind: Regexp, Pattern: `(?m)^\s*✗\s`},

		// Working indicators: the interrupt hint, the elapsed-time
		// token-count status line, and spinner-prefixed activity lines
		// ending in an ellipsis ("✻ Pondering…").
		{Category: Working, Kind: Substring, Pattern: "esc to interrupt"},
		{Category: Working, Kind: Substring, Pattern: "ctrl+c to interrupt"},
		{Category: Working, Kind: Regexp, Pattern: `\(\s*\d+m?\s*\d*s?\s*[·•][^)]*(tokens|↑|↓)[^)]*\)`},
		{Category: Working, Kind: Regexp, Pattern: `(?m)^[✳✻✽✶✢·∗⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]\s*\S.*(…|\.\.\.)`},

		// Bare interactive prompts: a lone chevron, optionally inside
		// the agent's input-box border.
		{Category: PromptGlyph, Kind: Regexp, Pattern: `^\s*[❯>]\s*$`},
		{Category: PromptGlyph, Kind: Regexp, Pattern: `^\s*│\s*[❯>]\s*│?\s*$`},

		// Tool-invocation echo: the call line and the result connector.
		{Category: ToolEcho, Kind: Regexp, Pattern: `^\s*⏺`},
		{Category: ToolEcho, Kind: Regexp, Pattern: `^\s*⎿`},
		{Category: ToolEcho, Kind: Regexp, Pattern: `^\s*(Bash|Read|Write|Edit|Grep|Glob|Task|WebFetch)\([^)]*\)`},

		// Chrome: box borders, banners, keyboard hints, telemetry.
		{Category: Chrome, Kind: Regexp, Pattern: `^\s*[╭╮╰╯│├┤─┌┐└┘┬┴┼]`},
		{Category: Chrome, Kind: Substring, Pattern: "? for shortcuts"},
		{Category: Chrome, Kind: Substring, Pattern: "shift+tab to cycle"},
		{Category: Chrome, Kind: Substring, Pattern: "tips for getting started"},
		{Category: Chrome, Kind: Regexp, Pattern: `(?i)^\s*(claude code|welcome to) v?\d`},
		{Category: Chrome, Kind: Regexp, Pattern: `(?i)(context left until auto-compact|auto-compact:)`},
		{Category: Chrome, Kind: Regexp, Pattern: `(?i)^\s*(total cost|cost):?\s*\$`},
		{Category: Chrome, Kind: Regexp, Pattern: `(?i)^\s*tokens? used:`},

		// Instruction echo: Tiller's own prompt scaffolding (section
		// labels, sentinel framing) or persona/system text coming back
		// out of the agent.
		{Category: InstructionEcho, Kind: Prefix, Pattern: "[memory context]"},
		{Category: InstructionEcho, Kind: Prefix, Pattern: "[recent exchanges]"},
		{Category: InstructionEcho, Kind: Prefix, Pattern: "[request"},
		{Category: InstructionEcho, Kind: Substring, Pattern: "read the file at"},
		{Category: InstructionEcho, Kind: Regexp, Pattern: `(?i)^\s*system\s*:`},
		{Category: InstructionEcho, Kind: Regexp, Pattern: `(?i)^\s*you are an?\s`},
		{Category: InstructionEcho, Kind: Substring, Pattern: "respond only with"},

		// Structured-data fragments: bracketed key/value lines that
		// look like serialized state, not prose.
		{Category: StructuredLeak, Kind: Regexp, Pattern: `^\s*[\[{][^\]}]*[:=][^\]}]*[\]}]\s*$`},
		{Category: StructuredLeak, Kind: Regexp, Pattern: `^\s*"?[a-z_][a-z0-9_]*"?\s*[:=]\s*["'\[{0-9]`},

		// Internal filesystem paths.
		{Category: PathLeak, Kind: Regexp, Pattern: `(^|\s)/(home|root|tmp|var|usr|etc|opt)/\S+`},
	}

	for i := range rules {
		if err := compileRule(&rules[i]); err != nil {
			// Built-in rules are compile-checked by tests; a failure
			// here is a programming error.
			panic(err)
		}
	}

	spinners := make(map[rune]bool)
	for _, r := range defaultSpinners {
		spinners[r] = true
	}

	return &Library{
		version:  defaultVersion,
		rules:    rules,
		spinners: spinners,
	}
}
