package telephony

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Voice instruction documents returned to the provider's call-control
// webhook. Built by hand: the vocabulary here is four verbs, not worth a
// schema dependency.

const twimlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// SayVoiceForLanguage maps a conversation language to the provider's
// built-in announcement voice.
func SayVoiceForLanguage(lang string) (voice, locale string) {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "it":
		return "alice", "it-IT"
	case "fr":
		return "alice", "fr-FR"
	case "nl", "":
		return "alice", "nl-NL"
	default:
		return "alice", "en-US"
	}
}

// ConnectStreamTwiML answers an inbound call: a short spoken greeting, then
// a duplex media stream to our websocket endpoint.
func ConnectStreamTwiML(streamURL, announcement, lang string) string {
	voice, locale := SayVoiceForLanguage(lang)
	var b strings.Builder
	b.WriteString(twimlHeader)
	b.WriteString("<Response>")
	if strings.TrimSpace(announcement) != "" {
		fmt.Fprintf(&b, `<Say voice=%q language=%q>%s</Say>`, voice, locale, escapeXML(announcement))
	}
	fmt.Fprintf(&b, `<Connect><Stream url=%q /></Connect>`, escapeXML(streamURL))
	b.WriteString("</Response>")
	return b.String()
}

// BusyTwiML declines a call that failed admission: busy signal, no stream.
func BusyTwiML() string {
	return twimlHeader + `<Response><Reject reason="busy" /></Response>`
}

// TransferTwiML moves a live call onto a short hold clip and then dials the
// human line. actionURL receives the DialCallStatus callback so a no-answer
// gets a spoken notice instead of dead air.
func TransferTwiML(holdMusicURL, operatorNumber, actionURL string, dialTimeoutSecs int) string {
	if dialTimeoutSecs <= 0 {
		dialTimeoutSecs = 20
	}
	var b strings.Builder
	b.WriteString(twimlHeader)
	b.WriteString("<Response>")
	if strings.TrimSpace(holdMusicURL) != "" {
		fmt.Fprintf(&b, `<Play loop="1">%s</Play>`, escapeXML(holdMusicURL))
	}
	if strings.TrimSpace(actionURL) != "" {
		fmt.Fprintf(&b, `<Dial timeout="%d" action=%q><Number>%s</Number></Dial>`,
			dialTimeoutSecs, escapeXML(actionURL), escapeXML(operatorNumber))
	} else {
		fmt.Fprintf(&b, `<Dial timeout="%d"><Number>%s</Number></Dial>`,
			dialTimeoutSecs, escapeXML(operatorNumber))
	}
	b.WriteString("</Response>")
	return b.String()
}

// HangupTwiML speaks a final notice and ends the call. Used when a transfer
// attempt times out.
func HangupTwiML(notice, lang string) string {
	voice, locale := SayVoiceForLanguage(lang)
	var b strings.Builder
	b.WriteString(twimlHeader)
	b.WriteString("<Response>")
	if strings.TrimSpace(notice) != "" {
		fmt.Fprintf(&b, `<Say voice=%q language=%q>%s</Say>`, voice, locale, escapeXML(notice))
	}
	b.WriteString("<Hangup /></Response>")
	return b.String()
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
