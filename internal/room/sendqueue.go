package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/n42blockchain/matrixcore/matrixerr"
)

// Send enqueues an outgoing message and blocks until the pipeline has
// processed it (spec §4.4: "a send request is appended to the room's FIFO
// message_queue"). The caller's context governs only how long it waits for
// the result, not the retry behavior inside the pipeline.
func (r *Room) Send(ctx context.Context, eventType string, content map[string]interface{}) (string, error) {
	msg := &OutgoingMessage{
		TxnID:      uuid.New().String(),
		EventType:  eventType,
		Content:    content,
		EnqueuedAt: time.Now(),
		resultCh:   make(chan sendResult, 1),
	}

	select {
	case r.queue <- msg:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.closed:
		return "", fmt.Errorf("room is closing, message not enqueued")
	}

	select {
	case res := <-msg.resultCh:
		return res.EventID, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendFile is Send's file-attachment variant: step (e) of the pipeline
// uploads the encrypted blob and substitutes the MXC URI before step (f).
func (r *Room) SendFile(ctx context.Context, eventType string, content map[string]interface{}, data []byte, fileName, mimeType string) (string, error) {
	msg := &OutgoingMessage{
		TxnID:      uuid.New().String(),
		EventType:  eventType,
		Content:    content,
		IsFile:     true,
		FileData:   data,
		FileName:   fileName,
		FileMime:   mimeType,
		EnqueuedAt: time.Now(),
		resultCh:   make(chan sendResult, 1),
	}

	select {
	case r.queue <- msg:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.closed:
		return "", fmt.Errorf("room is closing, message not enqueued")
	}

	select {
	case res := <-msg.resultCh:
		return res.EventID, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// dispatch is the room's single send-pipeline worker: it processes the
// queue one message at a time, in order, until closed (spec §4.4 "the
// dispatcher runs one item at a time").
func (r *Room) dispatch() {
	defer close(r.done)
	for {
		select {
		case msg := <-r.queue:
			eventID, err := r.process(context.Background(), msg)
			msg.resultCh <- sendResult{EventID: eventID, Err: err}
		case <-r.closed:
			for {
				select {
				case msg := <-r.queue:
					msg.resultCh <- sendResult{Err: fmt.Errorf("room closed before message was sent")}
				default:
					return
				}
			}
		}
	}
}

// process runs one outbound message through steps (a)-(f) of the send
// pipeline (spec §4.4), retrying transient failures with exponential
// backoff up to a small fixed number of attempts.
func (r *Room) process(ctx context.Context, msg *OutgoingMessage) (string, error) {
	const maxAttempts = 5
	backoff := 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		eventID, err := r.attemptSend(ctx, msg)
		if err == nil {
			return eventID, nil
		}
		lastErr = err
		if !isTransient(err) {
			return "", err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
	return "", fmt.Errorf("send failed after %d attempts: %w", maxAttempts, lastErr)
}

func (r *Room) attemptSend(ctx context.Context, msg *OutgoingMessage) (string, error) {
	// (a) ensure member list loaded. The roster is maintained by SetData
	// from /sync state events and is not fetched here; a send made while
	// the roster is still empty fails.
	members := r.JoinedMembers()
	if len(members) == 0 {
		return "", fmt.Errorf("no known members to encrypt for, room state not yet loaded")
	}

	content := msg.Content
	if r.Metadata().Encrypted {
		var err error
		content, err = r.prepareEncryptedContent(ctx, members, msg)
		if err != nil {
			return "", err
		}
	} else if msg.IsFile {
		uri, _, err := r.uploadPlainFile(msg)
		if err != nil {
			return "", err
		}
		content = mergeFileURI(content, uri)
	}

	// (f) PUT the event.
	eventID, err := r.deps.Transport.SendEvent(r.RoomID, msg.EventType, msg.TxnID, content)
	if err != nil {
		return "", fmt.Errorf("put event: %w", err)
	}
	return eventID, nil
}

func mergeFileURI(content map[string]interface{}, uri string) map[string]interface{} {
	out := make(map[string]interface{}, len(content)+1)
	for k, v := range content {
		out[k] = v
	}
	out["url"] = uri
	return out
}

func (r *Room) uploadPlainFile(msg *OutgoingMessage) (string, FileEncryptInfo, error) {
	return r.deps.Transport.UploadEncryptedFile(msg.FileData, msg.FileMime)
}

// isTransient classifies an error as worth retrying. Wire/home-server
// errors from matrixerr.KindTransport are transient; everything else
// (encryption failures, local validation) is not, matching spec §4.4
// "transient network errors schedule a retry."
func isTransient(err error) bool {
	var me *matrixerr.Error
	return errors.As(err, &me) && me.Kind == matrixerr.KindTransport
}
