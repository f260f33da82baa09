package protocol

import (
	"errors"
	"testing"
)

func TestCheckFlags(t *testing.T) {
	tests := []struct {
		name      string
		protocol  Protocol
		requested uint32
		offered   uint32
		want      bool
	}{
		{"mining no flags", MiningProtocol, 0, 0, true},
		{"mining rolling requested and offered", MiningProtocol, FlagRequiresVersionRolling, FlagRequiresVersionRolling, true},
		{"mining rolling requested not offered", MiningProtocol, FlagRequiresVersionRolling, 0, false},
		{"mining rolling offered not requested", MiningProtocol, 0, FlagRequiresVersionRolling, true},
		{"mining work selection required by upstream", MiningProtocol, 0, FlagRequiresWorkSelection, false},
		{"mining work selection both", MiningProtocol, FlagRequiresWorkSelection, FlagRequiresWorkSelection, true},
		{"mining work selection only downstream", MiningProtocol, FlagRequiresWorkSelection, 0, true},
		{"mining standard jobs ignored", MiningProtocol, FlagRequiresStandardJobs, 0, true},
		{"job declaration async required", JobDeclarationProtocol, 0, FlagRequiresAsyncJobMining, false},
		{"job declaration async both", JobDeclarationProtocol, FlagRequiresAsyncJobMining, FlagRequiresAsyncJobMining, true},
		{"template distribution", TemplateDistributionProtocol, 0xffffffff, 0, true},
		{"job distribution", JobDistributionProtocol, 0, 0xffffffff, true},
		{"unknown protocol", Protocol(9), 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckFlags(tt.protocol, tt.requested, tt.offered); got != tt.want {
				t.Errorf("CheckFlags(%v, %b, %b) = %v, want %v", tt.protocol, tt.requested, tt.offered, got, tt.want)
			}
		})
	}
}

func TestParseProtocol(t *testing.T) {
	for _, p := range []Protocol{MiningProtocol, JobDeclarationProtocol, TemplateDistributionProtocol, JobDistributionProtocol} {
		got, err := ParseProtocol(p.String())
		if err != nil || got != p {
			t.Errorf("ParseProtocol(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseProtocol("stratum"); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Errorf("ParseProtocol(stratum) error = %v, want ErrUnsupportedProtocol", err)
	}
}

func TestErrorCodes_RoundTrip(t *testing.T) {
	for _, err := range []error{
		ErrUnsupportedProtocol, ErrVersionMismatch, ErrUnsupportedFlags, ErrInvalidMessage,
		ErrUnknownRequestID, ErrNoUpstream, ErrUpstreamUnavailable,
	} {
		code := ErrorToCode(err)
		if !errors.Is(CodeToError(code), err) {
			t.Errorf("CodeToError(ErrorToCode(%v)) lost the error", err)
		}
	}

	wrapped := NewProtocolError(ErrorCodeVersionMismatch, "upstream speaks 2", ErrVersionMismatch)
	if ErrorToCode(wrapped) != ErrorCodeVersionMismatch {
		t.Errorf("ErrorToCode(wrapped) = %s", ErrorToCode(wrapped))
	}
	if ErrorToCode(errors.New("boom")) != ErrorCodeInternalError {
		t.Error("unknown errors should map to internal-error")
	}
}
