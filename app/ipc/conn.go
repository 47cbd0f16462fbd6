package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
)

const maxFrameSize = 16 << 20

// ErrInvalidMessage is returned by Receive for a frame that could not be
// decoded. The channel itself is still usable.
var ErrInvalidMessage = errors.New("invalid message")

// Conn is one end of a message channel. Each message is a JSON object on
// its own line. Send is safe for concurrent use; Receive is not.
type Conn struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	writeMu sync.Mutex
}

// NewConn wraps r and w. If w implements io.Closer it is closed by Close.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		reader: bufio.NewReaderSize(r, 64<<10),
		writer: w,
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks until the next message arrives. It returns io.EOF when the
// other side closed the channel.
func (c *Conn) Receive() (Message, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return Message{}, io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return Message{}, fmt.Errorf("message exceeds %d bytes", maxFrameSize)
		}
		if isPrefix {
			continue
		}
		if len(line) == 0 {
			continue
		}
		break
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Type {
	case MessageProcessTask:
		if msg.Task == nil {
			return Message{}, fmt.Errorf("%w: process_task without task", ErrInvalidMessage)
		}
	case MessageTaskComplete, MessageTaskFailed:
		if msg.TaskID == 0 {
			return Message{}, fmt.Errorf("%w: %s without taskId", ErrInvalidMessage, msg.Type)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}

	return msg, nil
}

func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
