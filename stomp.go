package chatsync

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// minimal STOMP 1.2 codec. The chat backend speaks STOMP over websocket with
// one frame per websocket message; only the commands the sync core uses are
// implemented. The framing must stay bit-exact against the server.

type stompCommand string

const (
	stompConnect     stompCommand = "CONNECT"
	stompConnected   stompCommand = "CONNECTED"
	stompSend        stompCommand = "SEND"
	stompSubscribe   stompCommand = "SUBSCRIBE"
	stompUnsubscribe stompCommand = "UNSUBSCRIBE"
	stompDisconnect  stompCommand = "DISCONNECT"
	stompMessage     stompCommand = "MESSAGE"
	stompReceipt     stompCommand = "RECEIPT"
	stompError       stompCommand = "ERROR"
)

const (
	stompHeaderAcceptVersion = "accept-version"
	stompHeaderHeartBeat     = "heart-beat"
	stompHeaderDestination   = "destination"
	stompHeaderId            = "id"
	stompHeaderSubscription  = "subscription"
	stompHeaderReceipt       = "receipt"
	stompHeaderReceiptId     = "receipt-id"
	stompHeaderContentLength = "content-length"
	stompHeaderContentType   = "content-type"
	stompHeaderMessage       = "message"
)

type stompFrame struct {
	command stompCommand
	headers FrameHeaders
	body    []byte
}

func newStompFrame(command stompCommand, headers FrameHeaders, body []byte) *stompFrame {
	if headers == nil {
		headers = FrameHeaders{}
	}
	return &stompFrame{
		command: command,
		headers: headers,
		body:    body,
	}
}

func (self *stompFrame) encode() []byte {
	var buff bytes.Buffer
	buff.WriteString(string(self.command))
	buff.WriteByte('\n')
	escape := self.command != stompConnect && self.command != stompConnected
	for name, value := range self.headers {
		if escape {
			name = escapeStompHeader(name)
			value = escapeStompHeader(value)
		}
		buff.WriteString(name)
		buff.WriteByte(':')
		buff.WriteString(value)
		buff.WriteByte('\n')
	}
	if 0 < len(self.body) {
		buff.WriteString(stompHeaderContentLength)
		buff.WriteByte(':')
		buff.WriteString(strconv.Itoa(len(self.body)))
		buff.WriteByte('\n')
	}
	buff.WriteByte('\n')
	buff.Write(self.body)
	buff.WriteByte(0)
	return buff.Bytes()
}

// a lone EOL is the STOMP heart-beat
func isStompHeartbeat(data []byte) bool {
	switch string(data) {
	case "\n", "\r\n":
		return true
	}
	return false
}

func decodeStompFrame(data []byte) (*stompFrame, error) {
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		head, body, found = bytes.Cut(data, []byte("\r\n\r\n"))
		if !found {
			return nil, ErrMalformedFrame
		}
	}

	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, ErrMalformedFrame
	}
	command := stompCommand(strings.TrimSuffix(lines[0], "\r"))
	escape := command != stompConnect && command != stompConnected

	headers := FrameHeaders{}
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, ErrMalformedFrame
		}
		if escape {
			var err error
			if name, err = unescapeStompHeader(name); err != nil {
				return nil, err
			}
			if value, err = unescapeStompHeader(value); err != nil {
				return nil, err
			}
		}
		// repeated headers: first one wins
		if _, ok := headers[name]; !ok {
			headers[name] = value
		}
	}

	if contentLengthStr, ok := headers[stompHeaderContentLength]; ok {
		contentLength, err := strconv.Atoi(contentLengthStr)
		if err != nil || len(body) < contentLength {
			return nil, ErrMalformedFrame
		}
		body = body[0:contentLength]
	} else {
		// body runs to the NUL terminator
		if i := bytes.IndexByte(body, 0); 0 <= i {
			body = body[0:i]
		}
	}

	return &stompFrame{
		command: command,
		headers: headers,
		body:    body,
	}, nil
}

func escapeStompHeader(s string) string {
	var buff strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			buff.WriteString(`\\`)
		case '\r':
			buff.WriteString(`\r`)
		case '\n':
			buff.WriteString(`\n`)
		case ':':
			buff.WriteString(`\c`)
		default:
			buff.WriteRune(r)
		}
	}
	return buff.String()
}

func unescapeStompHeader(s string) (string, error) {
	var buff strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped {
			if r == '\\' {
				escaped = true
			} else {
				buff.WriteRune(r)
			}
			continue
		}
		switch r {
		case '\\':
			buff.WriteByte('\\')
		case 'r':
			buff.WriteByte('\r')
		case 'n':
			buff.WriteByte('\n')
		case 'c':
			buff.WriteByte(':')
		default:
			return "", ErrMalformedFrame
		}
		escaped = false
	}
	if escaped {
		return "", ErrMalformedFrame
	}
	return buff.String(), nil
}

// "sx,sy" in milliseconds per the STOMP heart-beat header
func encodeHeartBeat(send time.Duration, receive time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), receive.Milliseconds())
}

func parseHeartBeat(value string) (send time.Duration, receive time.Duration, err error) {
	sendStr, receiveStr, found := strings.Cut(value, ",")
	if !found {
		return 0, 0, fmt.Errorf("cannot parse heart-beat %s", value)
	}
	sendMillis, err := strconv.Atoi(strings.TrimSpace(sendStr))
	if err != nil {
		return 0, 0, err
	}
	receiveMillis, err := strconv.Atoi(strings.TrimSpace(receiveStr))
	if err != nil {
		return 0, 0, err
	}
	send = time.Duration(sendMillis) * time.Millisecond
	receive = time.Duration(receiveMillis) * time.Millisecond
	return send, receive, nil
}
