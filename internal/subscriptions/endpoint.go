package subscriptions

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// Platform is the mobile OS of a native push token.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Endpoint is the channel-specific address of a subscription. Exactly one of
// BrowserPush, NativePush, Email and SMS implements it.
type Endpoint interface {
	// Channel returns the channel type this endpoint is delivered over.
	Channel() ChannelType
	// Key returns the canonical address used to match unregister calls.
	Key() string
	// Validate rejects malformed endpoints.
	Validate() error

	isEndpoint()
}

// BrowserPush is a Web Push subscription: push service URL plus client keys.
type BrowserPush struct {
	URL    string
	P256dh string
	Auth   string
}

func (BrowserPush) Channel() ChannelType { return ChannelBrowserPush }
func (e BrowserPush) Key() string        { return e.URL }
func (BrowserPush) isEndpoint()          {}

func (e BrowserPush) Validate() error {
	u, err := url.Parse(e.URL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return &ValidationError{Field: "endpoint.url", Reason: "must be an https URL"}
	}
	if e.P256dh == "" {
		return &ValidationError{Field: "endpoint.p256dh", Reason: "is required"}
	}
	if e.Auth == "" {
		return &ValidationError{Field: "endpoint.auth", Reason: "is required"}
	}
	return nil
}

// NativePush is an FCM registration token for a mobile app installation.
type NativePush struct {
	Token    string
	Platform Platform
}

func (e NativePush) Channel() ChannelType {
	if e.Platform == PlatformIOS {
		return ChannelNativeIOS
	}
	return ChannelNativeAndroid
}

func (e NativePush) Key() string { return e.Token }
func (NativePush) isEndpoint()   {}

func (e NativePush) Validate() error {
	if strings.TrimSpace(e.Token) == "" {
		return &ValidationError{Field: "endpoint.token", Reason: "is required"}
	}
	if e.Platform != PlatformAndroid && e.Platform != PlatformIOS {
		return &ValidationError{Field: "endpoint.platform", Reason: "must be android or ios"}
	}
	return nil
}

// Email is a mailbox address.
type Email struct {
	Address string
}

func (Email) Channel() ChannelType { return ChannelEmail }
func (e Email) Key() string        { return strings.ToLower(strings.TrimSpace(e.Address)) }
func (Email) isEndpoint()          {}

func (e Email) Validate() error {
	addr, err := mail.ParseAddress(e.Address)
	if err != nil || addr.Address != strings.TrimSpace(e.Address) {
		return &ValidationError{Field: "endpoint.address", Reason: "is not a valid email address"}
	}
	return nil
}

// SMS is a phone number, preferably in E.164 form.
type SMS struct {
	Number string
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

func (SMS) Channel() ChannelType { return ChannelSMS }
func (e SMS) Key() string        { return normalizeNumber(e.Number) }
func (SMS) isEndpoint()          {}

func (e SMS) Validate() error {
	if !phonePattern.MatchString(normalizeNumber(e.Number)) {
		return &ValidationError{Field: "endpoint.number", Reason: "is not a valid phone number"}
	}
	return nil
}

func normalizeNumber(number string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(number))
}

// EndpointDoc is the flat wire and storage form of an Endpoint.
type EndpointDoc struct {
	URL      string `json:"url,omitempty" firestore:"url,omitempty"`
	P256dh   string `json:"p256dh,omitempty" firestore:"p256dh,omitempty"`
	Auth     string `json:"auth,omitempty" firestore:"auth,omitempty"`
	Token    string `json:"token,omitempty" firestore:"token,omitempty"`
	Platform string `json:"platform,omitempty" firestore:"platform,omitempty"`
	Address  string `json:"address,omitempty" firestore:"address,omitempty"`
	Number   string `json:"number,omitempty" firestore:"number,omitempty"`
}

// EncodeEndpoint flattens an endpoint into its document form.
func EncodeEndpoint(e Endpoint) EndpointDoc {
	switch v := e.(type) {
	case BrowserPush:
		return EndpointDoc{URL: v.URL, P256dh: v.P256dh, Auth: v.Auth}
	case NativePush:
		return EndpointDoc{Token: v.Token, Platform: string(v.Platform)}
	case Email:
		return EndpointDoc{Address: v.Address}
	case SMS:
		return EndpointDoc{Number: v.Number}
	default:
		return EndpointDoc{}
	}
}

// DecodeEndpoint rebuilds the endpoint variant for channel from its document form.
func DecodeEndpoint(channel ChannelType, doc EndpointDoc) (Endpoint, error) {
	switch channel {
	case ChannelBrowserPush:
		return BrowserPush{URL: doc.URL, P256dh: doc.P256dh, Auth: doc.Auth}, nil
	case ChannelNativeAndroid:
		return NativePush{Token: doc.Token, Platform: PlatformAndroid}, nil
	case ChannelNativeIOS:
		return NativePush{Token: doc.Token, Platform: PlatformIOS}, nil
	case ChannelEmail:
		return Email{Address: doc.Address}, nil
	case ChannelSMS:
		return SMS{Number: doc.Number}, nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", channel)
	}
}

// Infer picks the endpoint variant from whichever fields are populated. It is
// used where the caller does not name a channel, e.g. unregister.
func (d EndpointDoc) Infer() Endpoint {
	switch {
	case d.URL != "":
		return BrowserPush{URL: d.URL, P256dh: d.P256dh, Auth: d.Auth}
	case d.Token != "":
		return NativePush{Token: d.Token, Platform: Platform(d.Platform)}
	case d.Address != "":
		return Email{Address: d.Address}
	case d.Number != "":
		return SMS{Number: d.Number}
	}
	return nil
}
