package synth

import (
	"fmt"
	"strings"

	"github.com/emberware/voicerelay/internal/config"
)

// BuildMarkup renders text into the provider's speech markup. Verbosity grows
// with the performance mode: fast emits voice selection only, balanced adds
// prosody adjustment, quality adds punctuation-triggered breaks and an
// expressive-style wrapper. Markup-reserved characters in the input are
// escaped in every mode.
func BuildMarkup(text string, voice Voice, cfg config.SpeechConfig) (string, error) {
	name, err := voiceName(voice.Gender, cfg)
	if err != nil {
		return "", err
	}

	body := escapeText(text)

	switch voice.Performance {
	case ModeFast:
		// Voice selection only.
	case ModeBalanced:
		body = prosodyWrap(body, cfg)
	case ModeQuality:
		body = prosodyWrap(insertBreaks(body), cfg)
		body = fmt.Sprintf(`<mstts:express-as style=%q>%s</mstts:express-as>`, cfg.Style, body)
	default:
		return "", fmt.Errorf("unknown performance mode %q", voice.Performance)
	}

	var sb strings.Builder
	sb.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis"`)
	if voice.Performance == ModeQuality {
		sb.WriteString(` xmlns:mstts="https://www.w3.org/2001/mstts"`)
	}
	fmt.Fprintf(&sb, ` xml:lang=%q>`, cfg.Language)
	fmt.Fprintf(&sb, `<voice name=%q>%s</voice>`, name, body)
	sb.WriteString(`</speak>`)
	return sb.String(), nil
}

func voiceName(g Gender, cfg config.SpeechConfig) (string, error) {
	switch g {
	case GenderMale:
		return cfg.VoiceMale, nil
	case GenderFemale:
		return cfg.VoiceFemale, nil
	}
	return "", fmt.Errorf("unknown gender %q", g)
}

func prosodyWrap(body string, cfg config.SpeechConfig) string {
	return fmt.Sprintf(`<prosody rate=%q pitch=%q volume=%q>%s</prosody>`,
		cfg.Rate, cfg.Pitch, cfg.Volume, body)
}

// escapeText escapes markup-reserved characters. Ampersand first so the
// replacements themselves are not re-escaped.
func escapeText(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

const (
	shortBreak = `<break time="200ms"/>`
	longBreak  = `<break time="400ms"/>`
)

// insertBreaks adds a pause marker after each punctuation mark. Input is
// already escaped, so scanning raw bytes is safe: the escape entities contain
// no punctuation this loop reacts to.
func insertBreaks(body string) string {
	var sb strings.Builder
	sb.Grow(len(body) + len(body)/4)
	for _, r := range body {
		sb.WriteRune(r)
		switch r {
		case ',':
			sb.WriteString(shortBreak)
		case '.', '!', '?':
			sb.WriteString(longBreak)
		}
	}
	return sb.String()
}
