package llm

import (
	"strings"
	"testing"
)

func TestSummaryPromptCarriesOnlyRequestAndResult(t *testing.T) {
	prompt := SummaryPrompt(SummaryRequest{
		UserRequest: "make a QR code for example.com",
		ToolName:    "QR Generator",
		ToolResult:  `{"qr_code":"data:image/png;base64,AAA"}`,
	})
	for _, want := range []string{`"make a QR code for example.com"`, "QR Generator", "qr_code", "2-4 sentences"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestSummaryPromptTruncatesLargeResults(t *testing.T) {
	prompt := SummaryPrompt(SummaryRequest{ToolResult: strings.Repeat("x", maxToolResultChars+50)})
	if !strings.Contains(prompt, "(truncated)") {
		t.Fatal("large results should be truncated")
	}
}
