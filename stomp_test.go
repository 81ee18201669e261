package chatsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestStompEncodeDecode(t *testing.T) {
	frame := newStompFrame(stompSend, FrameHeaders{
		stompHeaderDestination: "/app/message",
		stompHeaderContentType: "application/json",
	}, []byte(`{"content":"hello"}`))

	decoded, err := decodeStompFrame(frame.encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, stompSend, decoded.command)
	assert.Equal(t, "/app/message", decoded.headers[stompHeaderDestination])
	assert.Equal(t, "19", decoded.headers[stompHeaderContentLength])
	assert.Equal(t, `{"content":"hello"}`, string(decoded.body))
}

func TestStompEmptyBody(t *testing.T) {
	frame := newStompFrame(stompSubscribe, FrameHeaders{
		stompHeaderId:          "sub-0",
		stompHeaderDestination: "/user/u1/message",
	}, nil)

	encoded := frame.encode()
	// no content-length header for an empty body, body runs to the NUL
	decoded, err := decodeStompFrame(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, stompSubscribe, decoded.command)
	assert.Equal(t, 0, len(decoded.body))
	assert.Equal(t, "", decoded.headers[stompHeaderContentLength])
}

func TestStompHeaderEscaping(t *testing.T) {
	value := "line1\nline2:with\\colon"
	frame := newStompFrame(stompSend, FrameHeaders{
		"x-note": value,
	}, nil)

	decoded, err := decodeStompFrame(frame.encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, value, decoded.headers["x-note"])
}

func TestStompConnectHeadersAreNotEscaped(t *testing.T) {
	// CONNECT/CONNECTED are exempt from header escaping per STOMP 1.2
	assert.Equal(t, `a\nb`, escapeStompHeader("a\nb"))

	frame := newStompFrame(stompConnect, FrameHeaders{
		stompHeaderAcceptVersion: "1.2",
		stompHeaderHeartBeat:     "10000,10000",
	}, nil)
	decoded, err := decodeStompFrame(frame.encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, "1.2", decoded.headers[stompHeaderAcceptVersion])
	assert.Equal(t, "10000,10000", decoded.headers[stompHeaderHeartBeat])
}

func TestStompRepeatedHeaderFirstWins(t *testing.T) {
	decoded, err := decodeStompFrame([]byte("MESSAGE\nfoo:first\nfoo:second\n\nbody\x00"))
	assert.Equal(t, err, nil)
	assert.Equal(t, "first", decoded.headers["foo"])
	assert.Equal(t, "body", string(decoded.body))
}

func TestStompCarriageReturnFraming(t *testing.T) {
	decoded, err := decodeStompFrame([]byte("RECEIPT\r\nreceipt-id:r1\r\n\r\n\x00"))
	assert.Equal(t, err, nil)
	assert.Equal(t, stompReceipt, decoded.command)
	assert.Equal(t, "r1", decoded.headers[stompHeaderReceiptId])
}

func TestStompMalformed(t *testing.T) {
	// no header/body separator
	_, err := decodeStompFrame([]byte("MESSAGE\nfoo:bar"))
	assert.Equal(t, err, ErrMalformedFrame)

	// header line with no colon
	_, err = decodeStompFrame([]byte("MESSAGE\nnot-a-header\n\n\x00"))
	assert.Equal(t, err, ErrMalformedFrame)

	// content-length longer than the body
	_, err = decodeStompFrame([]byte("MESSAGE\ncontent-length:100\n\nshort\x00"))
	assert.Equal(t, err, ErrMalformedFrame)

	// bad escape sequence
	_, err = decodeStompFrame([]byte("MESSAGE\nfoo:bad\\qescape\n\n\x00"))
	assert.Equal(t, err, ErrMalformedFrame)

	// dangling escape
	_, err = decodeStompFrame([]byte("MESSAGE\nfoo:dangling\\\n\nx\x00"))
	assert.Equal(t, err, ErrMalformedFrame)
}

func TestStompHeartbeat(t *testing.T) {
	assert.Equal(t, isStompHeartbeat([]byte("\n")), true)
	assert.Equal(t, isStompHeartbeat([]byte("\r\n")), true)
	assert.Equal(t, isStompHeartbeat([]byte("MESSAGE\n\n\x00")), false)
	assert.Equal(t, isStompHeartbeat([]byte{}), false)

	assert.Equal(t, "10000,5000", encodeHeartBeat(10*time.Second, 5*time.Second))

	send, receive, err := parseHeartBeat("10000,5000")
	assert.Equal(t, err, nil)
	assert.Equal(t, 10*time.Second, send)
	assert.Equal(t, 5*time.Second, receive)

	_, _, err = parseHeartBeat("10000")
	assert.NotEqual(t, err, nil)

	_, _, err = parseHeartBeat("a,b")
	assert.NotEqual(t, err, nil)
}
