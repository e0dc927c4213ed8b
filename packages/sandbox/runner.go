// Package sandbox runs python and javascript cells in a remote sandbox
// reached over a websocket. Range reads made by the sandboxed code are
// answered by the engine, which records them as dependencies.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.alis.build/alog"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultCancelGrace = 2 * time.Second
	readLimit          = 64 << 20
)

// Runner implements spreadsheet.Runner on top of one websocket connection.
// Executions are serialized; the connection is dialled on first use and
// again after any transport error.
type Runner struct {
	url         string
	header      http.Header
	httpClient  *http.Client
	timeout     time.Duration
	cancelGrace time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

type Option func(*Runner)

// WithTimeout bounds one execution. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(r *Runner) { r.header = h.Clone() }
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// WithCancelGrace sets how long a cancelled execution may take to
// acknowledge before the connection is dropped.
func WithCancelGrace(d time.Duration) Option {
	return func(r *Runner) { r.cancelGrace = d }
}

func NewRunner(url string, opts ...Option) *Runner {
	r := &Runner{
		url:         url,
		timeout:     defaultTimeout,
		cancelGrace: defaultCancelGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close drops the connection, if any.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "")
	r.conn = nil
	return err
}

func (r *Runner) Execute(ctx context.Context, req *spreadsheet.ExecutionRequest) spreadsheet.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	conn, err := r.connect(ctx)
	if err != nil {
		return &spreadsheet.Failure{Code: spreadsheet.ErrorCodeOther, Message: fmt.Sprintf("sandbox unavailable: %v", err)}
	}

	result, err := r.roundTrip(ctx, conn, req)
	if err != nil {
		alog.Warnf(ctx, "sandbox execution of %s failed, dropping connection: %v", req.Cell, err)
		conn.CloseNow()
		r.conn = nil
		return &spreadsheet.Failure{Code: spreadsheet.ErrorCodeOther, Message: fmt.Sprintf("sandbox: %v", err)}
	}
	if err := ctx.Err(); err != nil {
		return &spreadsheet.Failure{Code: spreadsheet.ErrorCodeOther, Message: err.Error()}
	}
	return result
}

// connect requires r.mu.
func (r *Runner) connect(ctx context.Context) (*websocket.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{
		HTTPClient: r.httpClient,
		HTTPHeader: r.header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	alog.Debugf(ctx, "connected to sandbox %s", r.url)
	r.conn = conn
	return conn, nil
}

// roundTrip sends one execute request and serves read requests until the
// result arrives. A cancelled ctx sends a cancel frame and waits up to the
// grace period for the sandbox to answer.
func (r *Runner) roundTrip(ctx context.Context, conn *websocket.Conn, req *spreadsheet.ExecutionRequest) (spreadsheet.ExecutionResult, error) {
	id := uuid.NewString()
	sheet, _ := req.Reader.WorksheetName(req.Cell.WorksheetID)

	execute := &Message{
		Type:     MessageExecute,
		ID:       id,
		Language: req.Language.String(),
		Source:   req.Source,
		Cell:     &CellRef{Sheet: sheet, Row: req.Cell.Row, Column: req.Cell.Column},
	}
	if err := wsjson.Write(ctx, conn, execute); err != nil {
		return nil, fmt.Errorf("sending execute: %w", err)
	}

	connCtx, dropConn := context.WithCancel(context.WithoutCancel(ctx))
	defer dropConn()
	stop := context.AfterFunc(ctx, func() {
		wctx, cancel := context.WithTimeout(connCtx, r.cancelGrace)
		defer cancel()
		if err := wsjson.Write(wctx, conn, &Message{Type: MessageCancel, ID: id}); err != nil {
			alog.Debugf(wctx, "sending cancel for %s: %v", id, err)
		}
		time.AfterFunc(r.cancelGrace, dropConn)
	})
	defer stop()

	for {
		var msg Message
		if err := wsjson.Read(connCtx, conn, &msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("reading: %w", err)
		}
		if msg.ID != id {
			// late frames of an earlier, abandoned execution
			alog.Debugf(ctx, "ignoring sandbox frame %s for %s", msg.Type, msg.ID)
			continue
		}

		switch msg.Type {
		case MessageRead:
			reply := r.serveRead(req, &msg)
			if err := wsjson.Write(connCtx, conn, reply); err != nil {
				return nil, fmt.Errorf("sending cells: %w", err)
			}
		case MessageResult:
			if msg.Result == nil {
				return nil, errors.New("result frame without a result")
			}
			return toExecutionResult(msg.Result)
		default:
			return nil, fmt.Errorf("unexpected %q frame", msg.Type)
		}
	}
}

// serveRead answers a read through the request's reader, which records
// it as a dependency of the executing cell.
func (r *Runner) serveRead(req *spreadsheet.ExecutionRequest, msg *Message) *Message {
	reply := &Message{Type: MessageCells, ID: msg.ID}
	if msg.Range == nil {
		reply.Error = "read without a range"
		return reply
	}
	worksheetID := req.Cell.WorksheetID
	if msg.Range.Sheet != "" {
		id, ok := req.Reader.WorksheetID(msg.Range.Sheet)
		if !ok {
			reply.Error = fmt.Sprintf("unknown worksheet %s", msg.Range.Sheet)
			return reply
		}
		worksheetID = id
	}
	rng := spreadsheet.NewRangeAddress(worksheetID,
		msg.Range.StartRow, msg.Range.StartColumn, msg.Range.EndRow, msg.Range.EndColumn)
	values, err := req.Reader.Read(rng)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Values = encodeMatrix(values)
	return reply
}

func toExecutionResult(res *Result) (spreadsheet.ExecutionResult, error) {
	if !res.Success {
		message := strings.TrimSpace(res.StdErr)
		if message == "" {
			message = "execution failed"
		}
		return &spreadsheet.Failure{
			Code:    spreadsheet.ErrorCodeOther,
			Message: message,
			Line:    res.LineNumber,
			Stdout:  res.StdOut,
		}, nil
	}
	array, err := decodeArray(res.OutputArray)
	if err != nil {
		return nil, err
	}
	return &spreadsheet.Success{
		Value:           res.OutputValue.Primitive,
		Array:           array,
		Stdout:          res.StdOut,
		FormattedSource: res.FormattedCode,
		Volatile:        res.Volatile,
	}, nil
}
