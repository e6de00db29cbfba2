package validate

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/courier/internal/message"
)

// Verdict is a content policy decision.
type Verdict uint8

const (
	Accept Verdict = iota
	Reject
	Flag
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Flag:
		return "flag"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Classifier is the injected content policy.
type Classifier interface {
	Classify(ctx context.Context, m message.ChatMessage) (Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, m message.ChatMessage) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, m message.ChatMessage) (Verdict, error) {
	return f(ctx, m)
}

// AcceptAll accepts every message.
var AcceptAll Classifier = ClassifierFunc(func(context.Context, message.ChatMessage) (Verdict, error) {
	return Accept, nil
})

// CELClassifier evaluates two optional boolean CEL expressions. reject is
// checked first; a match on flag tags the message. Available variables:
//
//	sender, receiver, body, attachment_ref  string
//	body_len, sent_at_ms                   int
//	has_attachment                         bool
type CELClassifier struct {
	reject cel.Program
	flag   cel.Program
}

// NewCELClassifier compiles the expressions. Empty expressions never match.
func NewCELClassifier(rejectExpr, flagExpr string) (*CELClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("sender", cel.StringType),
		cel.Variable("receiver", cel.StringType),
		cel.Variable("body", cel.StringType),
		cel.Variable("attachment_ref", cel.StringType),
		cel.Variable("body_len", cel.IntType),
		cel.Variable("sent_at_ms", cel.IntType),
		cel.Variable("has_attachment", cel.BoolType),
	)
	if err != nil {
		return nil, err
	}
	c := &CELClassifier{}
	if c.reject, err = compileBool(env, rejectExpr); err != nil {
		return nil, fmt.Errorf("validate: reject policy: %w", err)
	}
	if c.flag, err = compileBool(env, flagExpr); err != nil {
		return nil, fmt.Errorf("validate: flag policy: %w", err)
	}
	return c, nil
}

func compileBool(env *cel.Env, expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", checked.OutputType())
	}
	return env.Program(checked)
}

func (c *CELClassifier) Classify(_ context.Context, m message.ChatMessage) (Verdict, error) {
	vars := map[string]any{
		"sender":         m.SenderID,
		"receiver":       m.ReceiverID,
		"body":           m.Body,
		"attachment_ref": m.AttachmentRef,
		"body_len":       int64(utf8.RuneCountInString(m.Body)),
		"sent_at_ms":     m.SentAtMs(),
		"has_attachment": m.AttachmentRef != "",
	}
	if hit, err := evalBool(c.reject, vars); err != nil {
		return Accept, err
	} else if hit {
		return Reject, nil
	}
	if hit, err := evalBool(c.flag, vars); err != nil {
		return Accept, err
	} else if hit {
		return Flag, nil
	}
	return Accept, nil
}

func evalBool(prog cel.Program, vars map[string]any) (bool, error) {
	if prog == nil {
		return false, nil
	}
	out, _, err := prog.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}
