package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"storyline/models"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// ErrInvalidReply is returned when a summary reply does not have the exact
// three line shape requested by the prompt.
var ErrInvalidReply = errors.New("invalid summary reply")

var validate = validator.New()

func summaryPrompt(text string, maxLength int) string {
	return fmt.Sprintf(
		"Summarize the following post in at most %d characters, keeping the most important facts.\n"+
			"Then decide whether the post contains a response from a government institution to the event: answer 1 if it does and 0 if it does not.\n"+
			"If it does, name the responding institution, otherwise leave the institution empty.\n\n"+
			"Reply with exactly these three lines and nothing else:\n"+
			"Summary: <summary>\n"+
			"Response: <0 or 1>\n"+
			"Institution: <institution name>\n\n"+
			"%s",
		maxLength, text,
	)
}

func titlePrompt(text string, maxLength int) string {
	return fmt.Sprintf(
		"Write a headline of at most %d characters that captures the news event described below.\n"+
			"Reply with the headline text only.\n\n"+
			"%s",
		maxLength, text,
	)
}

type summaryReply struct {
	Summary     string `validate:"required"`
	Response    int    `validate:"oneof=0 1"`
	Institution string `validate:"excluded_if=Response 0"`
}

// Accepted keys per line, in order. The localized keys match replies from
// models prompted in Chinese.
var replyKeys = [3][]string{
	{"summary", "摘要"},
	{"response", "回应"},
	{"institution", "机构"},
}

// Institution values meaning there is none
var noInstitution = []string{"无", "没有", "none", "n/a", "null", "-"}

// parseSummaryReply validates a reply strictly. Any deviation from the
// requested shape is an ErrInvalidReply.
func parseSummaryReply(reply string, maxLength int) (models.Summary, error) {
	var lines []string
	for _, line := range strings.Split(reply, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != len(replyKeys) {
		return models.Summary{}, fmt.Errorf("%w: expected %d lines, got %d", ErrInvalidReply, len(replyKeys), len(lines))
	}

	values := make([]string, len(lines))
	for i, line := range lines {
		key, value, ok := splitReplyLine(line)
		if !ok || !matchesKey(key, replyKeys[i]) {
			return models.Summary{}, fmt.Errorf("%w: line %d %q", ErrInvalidReply, i+1, line)
		}
		values[i] = value
	}

	response, err := strconv.Atoi(values[1])
	if err != nil {
		return models.Summary{}, fmt.Errorf("%w: response flag %q", ErrInvalidReply, values[1])
	}

	parsed := summaryReply{
		Summary:     values[0],
		Response:    response,
		Institution: values[2],
	}
	if lo.Contains(noInstitution, strings.ToLower(strings.TrimRight(parsed.Institution, "。."))) {
		parsed.Institution = ""
	}
	if err := validate.Struct(parsed); err != nil {
		return models.Summary{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if err := validate.Var(parsed.Summary, fmt.Sprintf("max=%d", maxLength)); err != nil {
		return models.Summary{}, fmt.Errorf("%w: summary longer than %d characters", ErrInvalidReply, maxLength)
	}

	return models.Summary{
		Text:        parsed.Summary,
		Response:    parsed.Response,
		Institution: parsed.Institution,
	}, nil
}

func splitReplyLine(line string) (string, string, bool) {
	i := strings.IndexAny(line, ":：")
	if i < 0 {
		return "", "", false
	}
	key := line[:i]
	value := strings.TrimLeft(line[i:], ":：")
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

func matchesKey(key string, accepted []string) bool {
	for _, candidate := range accepted {
		if strings.EqualFold(key, candidate) {
			return true
		}
	}
	return false
}

// normalizeTitle keeps the first line of a title reply without decoration,
// cut to maxLength characters.
func normalizeTitle(reply string, maxLength int) string {
	var title string
	for _, line := range strings.Split(reply, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if key, value, ok := splitReplyLine(title); ok && matchesKey(key, []string{"title", "headline", "标题"}) {
		title = value
	}
	title = strings.Trim(title, " \t\"'“”‘’「」《》*")

	runes := []rune(title)
	if maxLength > 0 && len(runes) > maxLength {
		title = strings.TrimSpace(string(runes[:maxLength]))
	}
	return title
}
