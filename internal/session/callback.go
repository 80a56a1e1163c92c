package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// AuthorizationCallback 把授权地址交给用户，并返回授权完成后的回调地址。
type AuthorizationCallback interface {
	Authorize(ctx context.Context, authURL string) (string, error)
}

// AuthorizationFunc 让普通函数满足 AuthorizationCallback。
type AuthorizationFunc func(ctx context.Context, authURL string) (string, error)

// Authorize 调用 f。
func (f AuthorizationFunc) Authorize(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// ConsoleCallback 在终端打印授权地址，并读取用户粘贴的回调地址。
//
// 多个 Manager 共享同一个 ConsoleCallback 时，提示逐个进行；
// In 由唯一的读取协程按行读取，取消的调用不会丢失下一行输入。
type ConsoleCallback struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	turn  chan struct{}
	lines chan consoleLine
}

type consoleLine struct {
	text string
	err  error
}

// Authorize 阻塞直到读取到一行输入或 ctx 结束。
func (c *ConsoleCallback) Authorize(ctx context.Context, authURL string) (string, error) {
	c.once.Do(c.start)

	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-c.turn }()

	if _, err := fmt.Fprintf(c.Out, "授权地址:\n\n%s\n\n请粘贴回调地址: ", authURL); err != nil {
		return "", fmt.Errorf("session: 输出授权地址失败: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return "", fmt.Errorf("session: 读取回调地址失败: %w", io.EOF)
		}
		if line.err != nil {
			return "", fmt.Errorf("session: 读取回调地址失败: %w", line.err)
		}
		return line.text, nil
	}
}

func (c *ConsoleCallback) start() {
	c.turn = make(chan struct{}, 1)
	c.lines = make(chan consoleLine)
	go func() {
		defer close(c.lines)
		reader := bufio.NewReader(c.In)
		for {
			text, err := reader.ReadString('\n')
			if err == io.EOF && text != "" {
				c.lines <- consoleLine{text: strings.TrimSpace(text)}
				return
			}
			c.lines <- consoleLine{text: strings.TrimSpace(text), err: err}
			if err != nil {
				return
			}
		}
	}()
}
