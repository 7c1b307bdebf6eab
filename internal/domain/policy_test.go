package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyPermits(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		actor  Actor
		want   bool
	}{
		{
			name:   "no allow-lists permits everyone",
			policy: Policy{Mode: ModeAllow},
			actor:  Actor{User: "mallory"},
			want:   true,
		},
		{
			name:   "user on list",
			policy: Policy{Mode: ModeAllow, AllowedUsers: []string{"alice", "bob"}},
			actor:  Actor{User: "alice"},
			want:   true,
		},
		{
			name:   "user off list",
			policy: Policy{Mode: ModeAllow, AllowedUsers: []string{"alice"}},
			actor:  Actor{User: "bob"},
			want:   false,
		},
		{
			name:   "group intersection",
			policy: Policy{Mode: ModeApproval, AllowedGroups: []string{"finance"}},
			actor:  Actor{User: "carol", Groups: []string{"eng", "finance"}},
			want:   true,
		},
		{
			name:   "no group intersection",
			policy: Policy{Mode: ModeApproval, AllowedGroups: []string{"finance"}},
			actor:  Actor{User: "carol", Groups: []string{"eng"}},
			want:   false,
		},
		{
			name:   "user list misses but group list hits",
			policy: Policy{Mode: ModeAllow, AllowedUsers: []string{"alice"}, AllowedGroups: []string{"ops"}},
			actor:  Actor{User: "dave", Groups: []string{"ops"}},
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.policy.Permits(tt.actor))
		})
	}
}

func TestModeValid(t *testing.T) {
	require.True(t, ModeAllow.Valid())
	require.True(t, ModeApproval.Valid())
	require.True(t, ModeDeny.Valid())
	require.False(t, Mode("").Valid())
	require.False(t, Mode("block").Valid())
}

func TestCodeFromSentinels(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{ErrOwnerNotFound, CodeNotFound},
		{ErrToolNotFound, CodeNotFound},
		{ErrPolicyNotFound, CodeNotFound},
		{ErrPolicyDenied, CodePermissionDenied},
		{ErrApprovalRequired, CodeApprovalRequired},
		{ErrUpstreamUnavailable, CodeUnavailable},
		{ErrToolUnavailable, CodeFailedPrecond},
	}
	for _, tt := range tests {
		code, ok := CodeFrom(tt.err)
		require.True(t, ok, "%v", tt.err)
		require.Equal(t, tt.code, code)
	}

	wrapped := Wrap(CodeInternal, "registry.Open", ErrOwnerNotFound)
	code, ok := CodeFrom(wrapped)
	require.True(t, ok)
	require.Equal(t, CodeInternal, code)

	_, ok = CodeFrom(nil)
	require.False(t, ok)
}
