package auth

import "context"

// Operator is the authenticated caller of the control plane. Its subject is
// recorded as computedBy on jobs and clearedBy on carryovers.
type Operator struct {
	Subject string
	Role    string
}

type operatorKey struct{}

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok
}

// WithSubject attaches an operator that has no role.
func WithSubject(ctx context.Context, sub string) context.Context {
	return WithOperator(ctx, Operator{Subject: sub})
}

func SubjectFromContext(ctx context.Context) string {
	op, _ := OperatorFromContext(ctx)
	return op.Subject
}
