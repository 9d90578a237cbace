package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"chat-protocol-gateway/internal/conversion"
)

// maxEventSize 单个 SSE 事件的最大字节数
const maxEventSize = 4 << 20

var doneMarker = []byte("[DONE]")

// ChunkStream 以拉取方式逐个读取上游 SSE chunk。
// Next 在流结束时返回 io.EOF；ChunkStream 不可并发使用。
type ChunkStream struct {
	reader  *bufio.Reader
	decoder io.Closer
	body    io.Closer

	closeOnce sync.Once
	done      bool
}

func newChunkStream(decoded io.ReadCloser, body io.Closer) *ChunkStream {
	return &ChunkStream{
		reader:  bufio.NewReaderSize(decoded, 64*1024),
		decoder: decoded,
		body:    body,
	}
}

// Next 返回下一个 chunk。收到 [DONE] 或上游正常关闭连接时返回 io.EOF。
// ctx 被取消时返回 ctx.Err()；阻塞中的读取由请求 context 取消底层连接来解除。
func (s *ChunkStream) Next(ctx context.Context) (*conversion.ChatChunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.done {
			return nil, io.EOF
		}

		data, err := s.readEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				if len(data) == 0 {
					return nil, io.EOF
				}
			} else {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("failed to read upstream stream: %w", err)
			}
		}
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, doneMarker) {
			s.done = true
			return nil, io.EOF
		}

		var chunk conversion.ChatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, &conversion.MalformedUpstreamResponse{Message: "stream chunk is not valid JSON", Err: err}
		}
		chunk.Raw = data
		return &chunk, nil
	}
}

// readEvent 读取一个 SSE 事件，返回其 data 字段拼接后的内容。
// 注释行和 event/id/retry 字段被忽略。
func (s *ChunkStream) readEvent() ([]byte, error) {
	var data []byte
	size := 0
	for {
		line, err := s.reader.ReadBytes('\n')
		size += len(line)
		if size > maxEventSize {
			return nil, fmt.Errorf("stream event exceeds %d bytes", maxEventSize)
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if err != nil {
				return data, err
			}
			if data != nil {
				return data, nil
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[5:], []byte(" "))
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, value...)
		}

		if err != nil {
			return data, err
		}
	}
}

// Close 释放上游连接，可重复调用
func (s *ChunkStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		derr := s.decoder.Close()
		err = errors.Join(s.body.Close(), derr)
	})
	return err
}
