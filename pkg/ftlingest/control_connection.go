package ftlingest

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ControlConnectionState is one node of the ingest handshake state machine.
type ControlConnectionState int

const (
	StateNew ControlConnectionState = iota
	StateHmacIssued
	StateAuthenticated
	StateAttributesSet
	StateStreaming
	StateClosed
)

func (s ControlConnectionState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateHmacIssued:
		return "HmacIssued"
	case StateAuthenticated:
		return "Authenticated"
	case StateAttributesSet:
		return "AttributesSet"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	connectRegex   = regexp.MustCompile(`^CONNECT ([0-9]+) \$([0-9a-f]+)$`)
	attributeRegex = regexp.MustCompile(`^(.+): (.+)$`)
)

const (
	hmacPayloadSize     = 128
	controlReadDeadline = 200 * time.Millisecond
	pingRateLimit       = 10 // tokens/sec
	pingRateBurst       = 20
)

// OnMediaPortRequestFunc is invoked when a '.' command validates
// successfully; the returned port is written back to the client.
type OnMediaPortRequestFunc func(cc *ControlConnection, channelID ChannelID, metadata MediaMetadata, peerAddr net.Addr) (port int, err error)

// OnClosedFunc notifies the owner that the control transport went away.
type OnClosedFunc func(cc *ControlConnection)

// ControlConnection is the per-broadcaster TCP state machine: it reads
// CRLF-CRLF-delimited commands, runs the HMAC challenge, accumulates stream
// attributes, and requests a media port on '.'.
type ControlConnection struct {
	log         logrus.FieldLogger
	conn        net.Conn
	credentials CredentialProvider

	onMediaPortRequest OnMediaPortRequestFunc
	onClosed           OnClosedFunc

	mu        sync.Mutex
	state     ControlConnectionState
	challenge []byte
	channelID ChannelID
	metadata  MediaMetadata

	pingLimiter *rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewControlConnection wraps an accepted TCP connection.
func NewControlConnection(
	conn net.Conn,
	log logrus.FieldLogger,
	credentials CredentialProvider,
	onMediaPortRequest OnMediaPortRequestFunc,
	onClosed OnClosedFunc,
) *ControlConnection {
	return &ControlConnection{
		log:                log,
		conn:               conn,
		credentials:        credentials,
		onMediaPortRequest: onMediaPortRequest,
		onClosed:           onClosed,
		state:              StateNew,
		pingLimiter:        rate.NewLimiter(rate.Limit(pingRateLimit), pingRateBurst),
		stopCh:             make(chan struct{}),
	}
}

// State returns the current state, safe for concurrent access.
func (cc *ControlConnection) State() ControlConnectionState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

// ChannelID returns the authenticated channel ID, valid once State() is at
// least StateAuthenticated.
func (cc *ControlConnection) ChannelID() ChannelID {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.channelID
}

// Serve runs the read loop until Stop is called or the transport fails. It
// blocks, so callers run it in its own goroutine.
func (cc *ControlConnection) Serve() {
	var buf bytes.Buffer
	readChunk := make([]byte, 4096)

	for {
		select {
		case <-cc.stopCh:
			cc.close(0, false)
			return
		default:
		}

		cc.conn.SetReadDeadline(time.Now().Add(controlReadDeadline))
		n, err := cc.conn.Read(readChunk)
		if n > 0 {
			buf.Write(readChunk[:n])
			cc.drainCommands(&buf)
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			cc.close(0, false)
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// drainCommands extracts and dispatches every complete "\r\n\r\n"-delimited
// command currently buffered.
func (cc *ControlConnection) drainCommands(buf *bytes.Buffer) {
	for {
		data := buf.Bytes()
		idx := bytes.Index(data, []byte("\r\n\r\n"))
		if idx < 0 {
			return
		}
		command := string(data[:idx])
		buf.Next(idx + 4)

		if command == "" {
			continue
		}

		if err := cc.dispatch(command); err != nil {
			cc.log.WithError(err).Warn("closing control connection")
			cc.close(ErrorResponseCode(err), true)
			return
		}
	}
}

func (cc *ControlConnection) dispatch(command string) error {
	cc.log.Debugf("recv: %q", command)

	switch {
	case command == "HMAC":
		return cc.handleHmac()
	case connectRegex.MatchString(command):
		return cc.handleConnect(command)
	case command == ".":
		return cc.handleDot()
	case len(command) >= 4 && command[:4] == "PING":
		return cc.handlePing()
	case attributeRegex.MatchString(command):
		return cc.handleAttribute(command)
	default:
		cc.log.Warnf("unknown ingest command: %q", command)
		return nil
	}
}

func (cc *ControlConnection) handleHmac() error {
	cc.mu.Lock()

	if cc.state != StateNew {
		cc.mu.Unlock()
		return errors.Wrap(ErrUnexpectedState, "HMAC")
	}

	cc.challenge = make([]byte, hmacPayloadSize)
	if _, err := rand.Read(cc.challenge); err != nil {
		cc.mu.Unlock()
		return errors.Wrap(err, "generate HMAC challenge")
	}
	cc.state = StateHmacIssued
	challenge := cc.challenge
	cc.mu.Unlock()

	return cc.send(fmt.Sprintf("200 %s\n", hex.EncodeToString(challenge)))
}

func (cc *ControlConnection) handleConnect(command string) error {
	cc.mu.Lock()

	if state := cc.state; state != StateHmacIssued {
		cc.mu.Unlock()
		if state == StateAuthenticated || state == StateAttributesSet || state == StateStreaming {
			// Already ran a successful CONNECT; this one doesn't replace it.
			return ErrMultipleConnect
		}
		return errors.Wrap(ErrUnexpectedState, "CONNECT")
	}

	matches := connectRegex.FindStringSubmatch(command)
	if matches == nil {
		cc.mu.Unlock()
		return ErrMalformedCommand
	}

	channelIDNum, err := strconv.ParseUint(matches[1], 10, 32)
	if err != nil {
		cc.mu.Unlock()
		return errors.Wrap(ErrMalformedCommand, "channel id")
	}
	channelID := ChannelID(channelIDNum)

	clientDigest, err := hex.DecodeString(matches[2])
	if err != nil {
		cc.mu.Unlock()
		return errors.Wrap(ErrInvalidHmacHex, matches[2])
	}

	challenge := cc.challenge
	cc.mu.Unlock()

	key, err := cc.credentials.Lookup(channelID)
	if err != nil {
		return errors.Wrap(ErrCredentialLookup, err.Error())
	}
	if len(key) == 0 {
		return errors.Wrap(ErrUnknownChannel, fmt.Sprintf("channel %d", channelID))
	}

	mac := hmac.New(sha512.New, key)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, clientDigest) {
		return ErrHmacMismatch
	}

	cc.mu.Lock()
	cc.channelID = channelID
	cc.state = StateAuthenticated
	cc.mu.Unlock()

	return cc.send("200\n")
}

func (cc *ControlConnection) handleAttribute(command string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.state != StateAuthenticated && cc.state != StateAttributesSet {
		if cc.state == StateStreaming {
			return ErrAttributeAfterDot
		}
		return errors.Wrap(ErrUnexpectedState, "attribute")
	}

	matches := attributeRegex.FindStringSubmatch(command)
	if matches == nil {
		return ErrMalformedCommand
	}
	key, value := matches[1], matches[2]

	switch key {
	case "VendorName":
		cc.metadata.VendorName = value
	case "VendorVersion":
		cc.metadata.VendorVersion = value
	case "Video":
		cc.metadata.HasVideo = value == "true"
	case "Audio":
		cc.metadata.HasAudio = value == "true"
	case "VideoCodec":
		cc.metadata.VideoCodec = ParseVideoCodec(value)
	case "AudioCodec":
		cc.metadata.AudioCodec = ParseAudioCodec(value)
	case "VideoWidth":
		if v, err := strconv.ParseUint(value, 10, 16); err == nil {
			cc.metadata.VideoWidth = uint16(v)
		} else {
			cc.log.Warnf("invalid VideoWidth %q: %v", value, err)
		}
	case "VideoHeight":
		if v, err := strconv.ParseUint(value, 10, 16); err == nil {
			cc.metadata.VideoHeight = uint16(v)
		} else {
			cc.log.Warnf("invalid VideoHeight %q: %v", value, err)
		}
	case "VideoIngestSSRC":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			cc.metadata.VideoSSRC = uint32(v)
		} else {
			cc.log.Warnf("invalid VideoIngestSSRC %q: %v", value, err)
		}
	case "AudioIngestSSRC":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			cc.metadata.AudioSSRC = uint32(v)
		} else {
			cc.log.Warnf("invalid AudioIngestSSRC %q: %v", value, err)
		}
	case "VideoPayloadType":
		if v, err := strconv.ParseUint(value, 10, 7); err == nil {
			cc.metadata.VideoPayloadType = uint8(v)
		} else {
			cc.log.Warnf("invalid VideoPayloadType %q: %v", value, err)
		}
	case "AudioPayloadType":
		if v, err := strconv.ParseUint(value, 10, 7); err == nil {
			cc.metadata.AudioPayloadType = uint8(v)
		} else {
			cc.log.Warnf("invalid AudioPayloadType %q: %v", value, err)
		}
	default:
		cc.log.Warnf("unexpected attribute: %q", command)
	}

	cc.state = StateAttributesSet
	return nil
}

func (cc *ControlConnection) handleDot() error {
	cc.mu.Lock()

	if cc.state != StateAttributesSet {
		cc.mu.Unlock()
		return errors.Wrap(ErrUnexpectedState, ".")
	}

	if code := cc.metadata.ValidForDotCommand(); code != RespOK {
		cc.mu.Unlock()
		return errors.Wrap(ErrMalformedCommand, "metadata invalid for '.'")
	}

	channelID := cc.channelID
	metadata := cc.metadata
	cc.mu.Unlock()

	port, err := cc.onMediaPortRequest(cc, channelID, metadata, cc.conn.RemoteAddr())
	if err != nil {
		return err
	}

	cc.mu.Lock()
	cc.state = StateStreaming
	cc.mu.Unlock()

	return cc.send(fmt.Sprintf("200 hi. Use UDP port %d\n", port))
}

func (cc *ControlConnection) handlePing() error {
	if cc.State() == StateNew {
		return errors.Wrap(ErrUnexpectedState, "PING")
	}
	if !cc.pingLimiter.Allow() {
		return nil
	}
	return cc.send("201\n")
}

func (cc *ControlConnection) send(message string) error {
	if cc.State() == StateClosed {
		return ErrClosed
	}
	_, err := cc.conn.Write([]byte(message))
	return errors.Wrap(err, "write control response")
}

// Stop requests the read loop exit on its next poll wake-up (at most
// 200ms away). It is
// idempotent and safe to call from any goroutine, including the read loop
// itself, in which case it returns without blocking.
func (cc *ControlConnection) Stop() {
	cc.stopOnce.Do(func() {
		close(cc.stopCh)
	})
}

func (cc *ControlConnection) close(code ResponseCode, writeCode bool) error {
	cc.mu.Lock()
	if cc.state == StateClosed {
		cc.mu.Unlock()
		return ErrClosed
	}
	cc.state = StateClosed
	cc.mu.Unlock()

	if writeCode && code != 0 {
		cc.conn.Write([]byte(fmt.Sprintf("%d\n", code)))
	}
	cc.conn.Close()

	if cc.onClosed != nil {
		cc.onClosed(cc)
	}
	return nil
}
