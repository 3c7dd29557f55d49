// Package nl2sql turns a question plus cached schema context into candidate
// SQL via an external chat-completion model. Nothing it returns is trusted.
package nl2sql

import (
	"context"
	"errors"
)

var ErrEmptySQL = errors.New("nl2sql: model returned empty SQL")

type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, system, user string) (string, error)

func (f ModelFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Generate builds the prompt for req and asks model for a single statement.
func Generate(ctx context.Context, model Model, builder PromptContextBuilder, req Request) (string, error) {
	system := builder.System(req)
	raw, err := model.Complete(ctx, system, req.Question)
	if err != nil {
		return "", err
	}
	sql := stripMarkdownSQL(raw)
	if sql == "" {
		return "", ErrEmptySQL
	}
	return sql, nil
}
