package websocket

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize caps the payload length accepted from clients. Clients only
// ever send control frames, so anything larger drops the connection.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID from RFC 6455 §4.1.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Frame opcodes.
const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// Handler upgrades a request to a WebSocket and streams the Broadcaster's
// messages to it as text frames. Frames from the client are read only to
// answer pings and to notice the close.
type Handler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout ≤ 0 defaults to
// 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP performs the upgrade and runs the connection until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	conn, bufrw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		h.logger.Error("websocket: hijack failed", slog.Any("error", err))
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}
	// The server's read and write timeouts would otherwise cut the stream.
	_ = conn.SetDeadline(time.Time{})

	_, err = bufrw.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n")
	if err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		h.logger.Warn("websocket: handshake failed", slog.Any("error", err))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	logger := h.logger.With(slog.String("client_id", clientID))
	logger.Info("websocket: client connected", slog.String("remote_addr", conn.RemoteAddr().String()))
	defer logger.Info("websocket: client disconnected")

	// Writes come from this goroutine and from the reader's pong replies.
	var writeMu sync.Mutex
	write := func(opcode byte, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			return err
		}
		return writeFrame(conn, opcode, payload)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("websocket: read loop panic recovered", slog.Any("recover", rec))
			}
		}()
		readLoop(bufrw.Reader, write, logger)
		closeConn()
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-client.Send():
			if !ok {
				_ = write(opClose, nil)
				return
			}
			if err := write(opText, msg); err != nil {
				logger.Warn("websocket: write frame failed", slog.Any("error", err))
				return
			}
		}
	}
}

// isWebSocketUpgrade reports whether r carries the RFC 6455 §4.1 upgrade
// headers.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives Sec-WebSocket-Accept from the client's key.
func computeAcceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeFrame writes payload as one unfragmented, unmasked frame.
func writeFrame(conn net.Conn, opcode byte, payload []byte) error {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | opcode, byte(n)}
	case n < 65536:
		header = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if n > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// readLoop consumes client frames until a close frame, an oversized frame or
// a read error. Pings are answered with pongs carrying the same payload.
func readLoop(r *bufio.Reader, write func(byte, []byte) error, logger *slog.Logger) {
	for {
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		opcode := hdr[0] & 0x0F
		masked := hdr[1]&0x80 != 0
		length := uint64(hdr[1] & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return
			}
			length = uint64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return
			}
			length = binary.BigEndian.Uint64(ext[:])
		}
		if length > maxFrameSize {
			logger.Warn("websocket: client frame too large", slog.Uint64("length", length))
			return
		}

		var mask [4]byte
		if masked {
			if _, err := io.ReadFull(r, mask[:]); err != nil {
				return
			}
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		if masked {
			for i := range payload {
				payload[i] ^= mask[i%4]
			}
		}

		switch opcode {
		case opClose:
			logger.Debug("websocket: received close frame")
			_ = write(opClose, nil)
			return
		case opPing:
			if err := write(opPong, payload); err != nil {
				return
			}
		}
	}
}
