package authsdk

import (
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// MFAMethodTOTP is the method name for time-based one-time codes.
const MFAMethodTOTP = "totp"

// OTPSource produces one-time codes for an MFA challenge.
type OTPSource interface {
	Code(now time.Time) (string, error)
}

// TOTPSource generates RFC 6238 codes from a base32 shared secret, the same
// secret an authenticator app is enrolled with.
type TOTPSource struct {
	Secret string
}

func (s TOTPSource) Code(now time.Time) (string, error) {
	code, err := totp.GenerateCode(s.Secret, now)
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}
