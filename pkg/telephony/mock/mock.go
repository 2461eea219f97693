// Package mock provides a scripted test double for the telephony provider.
//
// Configure per-operation errors and canned responses, then inspect the
// recorded calls. All methods are safe for concurrent use.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/vocalix/vocalix/pkg/telephony"
)

// MakeCallCall records a single invocation of Provider.MakeCall.
type MakeCallCall struct {
	Req telephony.CallRequest
}

// Provider is a mock implementation of telephony.Provider.
type Provider struct {
	mu sync.Mutex

	// NextSID, when non-empty, is returned as the SID of the next MakeCall.
	// Otherwise SIDs are generated as "sid-1", "sid-2", …
	NextSID string

	// MakeCallErr, if non-nil, is returned from MakeCall. MakeCallErrs, if
	// non-empty, is consumed one error per call first (nil entries mean
	// success), letting tests script failure bursts.
	MakeCallErr  error
	MakeCallErrs []error

	// HangupErr, DetailsErr, RecordingErr are returned from the respective
	// operations when non-nil.
	HangupErr    error
	DetailsErr   error
	RecordingErr error

	// Details is returned from GetDetails.
	Details telephony.CallDetails

	// RecordingURL is returned from GetRecordingURL.
	RecordingURL string

	// Recorded calls.
	MakeCallCalls []MakeCallCall
	HangupCalls   []string
	DetailsCalls  []string

	sidSeq int
}

// MakeCall records the request and returns the scripted result.
func (p *Provider) MakeCall(_ context.Context, req telephony.CallRequest) (telephony.CallHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MakeCallCalls = append(p.MakeCallCalls, MakeCallCall{Req: req})

	if len(p.MakeCallErrs) > 0 {
		err := p.MakeCallErrs[0]
		p.MakeCallErrs = p.MakeCallErrs[1:]
		if err != nil {
			return telephony.CallHandle{}, err
		}
	} else if p.MakeCallErr != nil {
		return telephony.CallHandle{}, p.MakeCallErr
	}

	sid := p.NextSID
	if sid == "" {
		p.sidSeq++
		sid = fmt.Sprintf("sid-%d", p.sidSeq)
	}
	return telephony.CallHandle{SID: sid, Status: telephony.StatusQueued}, nil
}

// Hangup records the SID and returns HangupErr.
func (p *Provider) Hangup(_ context.Context, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HangupCalls = append(p.HangupCalls, sid)
	return p.HangupErr
}

// GetDetails records the SID and returns Details, DetailsErr.
func (p *Provider) GetDetails(_ context.Context, sid string) (telephony.CallDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetailsCalls = append(p.DetailsCalls, sid)
	if p.DetailsErr != nil {
		return telephony.CallDetails{}, p.DetailsErr
	}
	d := p.Details
	if d.SID == "" {
		d.SID = sid
	}
	return d, nil
}

// GetRecordingURL returns RecordingURL, RecordingErr.
func (p *Provider) GetRecordingURL(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RecordingErr != nil {
		return "", p.RecordingErr
	}
	return p.RecordingURL, nil
}

// Reset clears all recorded calls and scripted errors.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MakeCallCalls = nil
	p.HangupCalls = nil
	p.DetailsCalls = nil
	p.MakeCallErr = nil
	p.MakeCallErrs = nil
	p.sidSeq = 0
}

// Ensure Provider implements telephony.Provider at compile time.
var _ telephony.Provider = (*Provider)(nil)
