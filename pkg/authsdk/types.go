package authsdk

import (
	"slices"
	"strings"
	"time"
)

// ============================================================================
// Roles
// ============================================================================

// Role names issued by the catechesis backends.
const (
	RoleAdmin      = "admin"
	RoleParroco    = "parroco"
	RoleSecretaria = "secretaria"
	RoleCatequista = "catequista"
	RoleConsulta   = "consulta"
)

// ============================================================================
// User Types
// ============================================================================

// User is the cached profile of the authenticated user.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	Role        string     `json:"role"`
	Status      string     `json:"status,omitempty"`
	FirstName   string     `json:"firstName,omitempty"`
	LastName    string     `json:"lastName,omitempty"`
	ParishID    string     `json:"parishId,omitempty"`
	ParishName  string     `json:"parishName,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	LastAccess  *time.Time `json:"lastAccess,omitempty"`
}

// DisplayName returns "first last", falling back to the username.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// HasPermission reports whether the profile lists p.
func (u *User) HasPermission(p string) bool {
	return slices.Contains(u.Permissions, p)
}

// UserPatch carries the profile fields a caller may update locally. Nil
// fields are left untouched.
type UserPatch struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
}

// Apply returns a copy of u with the patch applied.
func (p UserPatch) Apply(u User) User {
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		u.LastName = *p.LastName
	}
	u.Permissions = slices.Clone(u.Permissions)
	return u
}

// ============================================================================
// Request Types
// ============================================================================

// Credentials are the username/password pair submitted on login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember,omitempty"`
}

// ============================================================================
// Response Types
// ============================================================================

// TokenResponse is the normalized result of a login or refresh, whichever
// wire shape the backend speaks.
type TokenResponse struct {
	// User is only set on login.
	User *User

	// AccessToken is the JWT bearer token.
	AccessToken string

	// RefreshCredential is empty when the server did not rotate it.
	RefreshCredential string

	// ExpiresIn is the lifetime in seconds of the access token, 0 if unknown.
	ExpiresIn int
}

// ErrorResponse is the error body shape of both backends. Only the fields a
// backend knows about are filled in.
type ErrorResponse struct {
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Message          string `json:"message,omitempty"`

	RemainingAttempts *int       `json:"remainingAttempts,omitempty"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`

	MFAToken   string   `json:"mfa_token,omitempty"`
	MFAMethods []string `json:"mfa_methods,omitempty"`

	/* Legacy envelope fields */

	LegacyRemaining   *int       `json:"intentosRestantes,omitempty"`
	LegacyLockedUntil *time.Time `json:"bloqueadoHasta,omitempty"`
}

// message returns the most descriptive text present.
func (r *ErrorResponse) message() string {
	switch {
	case r.ErrorDescription != "":
		return r.ErrorDescription
	case r.Message != "":
		return r.Message
	default:
		return r.Error
	}
}

func (r *ErrorResponse) remaining() *int {
	if r.RemainingAttempts != nil {
		return r.RemainingAttempts
	}
	return r.LegacyRemaining
}

func (r *ErrorResponse) lockedUntil() time.Time {
	switch {
	case r.LockedUntil != nil:
		return *r.LockedUntil
	case r.LegacyLockedUntil != nil:
		return *r.LegacyLockedUntil
	default:
		return time.Time{}
	}
}

// ============================================================================
// Internal Wire Types
// ============================================================================

// plainLogin is the flat login answer {user, accessToken, refreshCredential, expiresIn}.
type plainLogin struct {
	User              *User  `json:"user"`
	AccessToken       string `json:"accessToken"`
	RefreshCredential string `json:"refreshCredential,omitempty"`
	ExpiresIn         int    `json:"expiresIn"`
}

// envelope wraps every answer of the legacy backend as {success, message, data}.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

type legacyLogin struct {
	User         *legacyUser `json:"user"`
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	ExpiresIn    int         `json:"expiresIn"`
}

type legacyRefresh struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
}

type legacyUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Tipo     string `json:"tipo"`
	Estado   string `json:"estado,omitempty"`
	Datos    struct {
		Nombres   string `json:"nombres"`
		Apellidos string `json:"apellidos"`
	} `json:"datosPersonales"`
	Parroquia *struct {
		ID     string `json:"id"`
		Nombre string `json:"nombre"`
	} `json:"parroquia,omitempty"`
	Permisos     []string   `json:"permisos"`
	UltimoAcceso *time.Time `json:"ultimoAcceso,omitempty"`
}

func (l *legacyUser) toUser() *User {
	if l == nil {
		return nil
	}
	u := &User{
		ID:          l.ID,
		Username:    l.Username,
		Email:       l.Email,
		Role:        l.Tipo,
		Status:      l.Estado,
		FirstName:   l.Datos.Nombres,
		LastName:    l.Datos.Apellidos,
		Permissions: l.Permisos,
		LastAccess:  l.UltimoAcceso,
	}
	if l.Parroquia != nil {
		u.ParishID = l.Parroquia.ID
		u.ParishName = l.Parroquia.Nombre
	}
	return u
}
