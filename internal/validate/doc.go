// Package validate normalizes ingress messages: required fields, body
// bounds, opaque attachment references, clock-skew correction of sentAt,
// and an injected content policy (see CELClassifier).
package validate
