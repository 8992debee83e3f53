package access

import (
	"fmt"
	"strings"

	"waagent/internal/domain"
)

// Policy combines the whitelist with the chat mode. With GroupAddress set the
// agent only listens to that group; otherwise it only listens to direct chats.
type Policy struct {
	Whitelist                 []string
	GroupAddress              string
	AllowAllGroupParticipants bool
}

// Decision is the outcome of Policy.Check. Hint is an operator-facing tip for
// rejections that are likely misconfiguration.
type Decision struct {
	Allowed bool
	Reason  string
	Hint    string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Reason: reason} }

// GroupMode reports whether the policy is bound to a single group.
func (p Policy) GroupMode() bool {
	return p.GroupAddress != ""
}

// Check decides whether msg may reach the dispatcher.
func (p Policy) Check(msg domain.InboundMessage) Decision {
	if !p.GroupMode() {
		if msg.Group || IsGroupIdentity(msg.SenderKey) {
			return deny("group message in private mode")
		}
		if !IsWhitelisted(msg.SenderKey, p.Whitelist) {
			return deny("sender not whitelisted")
		}
		return allow("whitelisted sender")
	}

	if !msg.Group && !IsGroupIdentity(msg.SenderKey) {
		return deny("private message in group mode")
	}
	if msg.SenderKey != p.GroupAddress {
		return deny("message from a different group")
	}
	if msg.Participant == "" {
		return deny("group message without participant")
	}
	if strings.HasPrefix(msg.Text, "["+domain.AgentMarker) {
		return deny("message from another agent")
	}
	if p.AllowAllGroupParticipants {
		return allow("all group participants allowed")
	}
	if !IsWhitelisted(msg.Participant, p.Whitelist) {
		d := deny("participant not whitelisted")
		if IsPrivacyID(msg.Participant) {
			d.Hint = fmt.Sprintf("%q is a privacy id; whitelist %q or %q, or enable allowAllGroupParticipants (privacy ids may change between sessions)",
				msg.Participant, IdentityFromTransportAddress(msg.Participant), msg.Participant)
		}
		return d
	}
	return allow("whitelisted participant")
}
