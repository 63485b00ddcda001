package engine

import "fmt"

// Kind identifies the category of a Failure, mirroring the engine's
// public error taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindClosedConflict
	KindBadRequest
	KindPayloadTooLarge
	KindQuotaExceeded
	KindInvalidOffset
	KindOffsetBeyondTail
	KindSeqRegression
	KindStaleEpoch
	KindSeqGap
	KindSegmentUnavailable
	KindSegmentTruncated
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindClosedConflict:
		return "ClosedConflict"
	case KindBadRequest:
		return "BadRequest"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindInvalidOffset:
		return "InvalidOffset"
	case KindOffsetBeyondTail:
		return "OffsetBeyondTail"
	case KindSeqRegression:
		return "SeqRegression"
	case KindStaleEpoch:
		return "StaleEpoch"
	case KindSeqGap:
		return "SeqGap"
	case KindSegmentUnavailable:
		return "SegmentUnavailable"
	case KindSegmentTruncated:
		return "SegmentTruncated"
	default:
		return "Internal"
	}
}

// Failure is the error type every engine operation returns on rejection.
// Detail/CurrentEpoch/ExpectedSeq/ReceivedSeq are populated only for the
// Kinds that carry them.
type Failure struct {
	Kind         Kind
	Detail       string
	Reason       string // Conflict reason: content_type | create_options_mismatch
	CurrentEpoch uint64 // StaleEpoch
	ExpectedSeq  uint64 // SeqGap
	ReceivedSeq  uint64 // SeqGap
	Err          error  // wrapped cause, for Internal
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindStaleEpoch:
		return fmt.Sprintf("engine: stale epoch (current=%d)", f.CurrentEpoch)
	case KindSeqGap:
		return fmt.Sprintf("engine: sequence gap (expected=%d received=%d)", f.ExpectedSeq, f.ReceivedSeq)
	case KindConflict:
		return fmt.Sprintf("engine: conflict (%s)", f.Reason)
	case KindBadRequest:
		return fmt.Sprintf("engine: bad request: %s", f.Detail)
	case KindInternal:
		if f.Err != nil {
			return fmt.Sprintf("engine: internal: %v", f.Err)
		}
		return "engine: internal error"
	default:
		return fmt.Sprintf("engine: %s", f.Kind)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

func notFound() *Failure                  { return &Failure{Kind: KindNotFound} }
func conflict(reason string) *Failure     { return &Failure{Kind: KindConflict, Reason: reason} }
func closedConflict() *Failure            { return &Failure{Kind: KindClosedConflict} }
func badRequest(detail string) *Failure   { return &Failure{Kind: KindBadRequest, Detail: detail} }
func payloadTooLarge() *Failure           { return &Failure{Kind: KindPayloadTooLarge} }
func quotaExceeded() *Failure             { return &Failure{Kind: KindQuotaExceeded} }
func staleEpoch(current uint64) *Failure  { return &Failure{Kind: KindStaleEpoch, CurrentEpoch: current} }
func seqGap(expected, received uint64) *Failure {
	return &Failure{Kind: KindSeqGap, ExpectedSeq: expected, ReceivedSeq: received}
}
func seqRegression() *Failure { return &Failure{Kind: KindSeqRegression} }
func internal(err error) *Failure { return &Failure{Kind: KindInternal, Err: err} }
