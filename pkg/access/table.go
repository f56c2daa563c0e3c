package access

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidTable = errors.New("access: invalid route table")

// Role names of the catechesis system.
const (
	RoleAdmin      = "admin"
	RoleParroco    = "parroco"
	RoleSecretaria = "secretaria"
	RoleCatequista = "catequista"
	RoleConsulta   = "consulta"
)

// DefaultTable returns the route table of the catechesis web client.
func DefaultTable() Table {
	staff := []string{RoleAdmin, RoleParroco, RoleSecretaria, RoleCatequista}
	office := []string{RoleAdmin, RoleParroco, RoleSecretaria}

	return Table{
		AdminRole: RoleAdmin,
		Policies: []Policy{
			{Path: "/", RequiresAuth: false},
			{Path: "/auth/login", RequiresAuth: false},
			{Path: "/auth/logout", RequiresAuth: false},
			{Path: "/auth/access-denied", RequiresAuth: false},

			{Path: "/dashboard", RequiresAuth: true, RedirectTo: DefaultLoginPath},
			{Path: "/catequizandos", RequiresAuth: true, AllowedRoles: staff},
			{Path: "/catequistas", RequiresAuth: true, AllowedRoles: office},
			{Path: "/grupos", RequiresAuth: true, AllowedRoles: staff},
			{Path: "/asistencia", RequiresAuth: true, AllowedRoles: staff},
			{Path: "/certificados", RequiresAuth: true, AllowedRoles: office},
			{Path: "/administracion", RequiresAuth: true, AllowedRoles: []string{RoleAdmin, RoleParroco}},
			{Path: "/cuenta", RequiresAuth: true},
		},
	}
}

// Validate rejects tables with paths that can never match and duplicates.
func (t *Table) Validate() error {
	seen := make(map[string]struct{}, len(t.Policies))
	for i, p := range t.Policies {
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("%w: route %d path %q must start with /", ErrInvalidTable, i, p.Path)
		}
		if len(p.Path) > 1 && strings.HasSuffix(p.Path, "/") {
			return fmt.Errorf("%w: route %d path %q must not end with /", ErrInvalidTable, i, p.Path)
		}
		if _, dup := seen[p.Path]; dup {
			return fmt.Errorf("%w: duplicate path %q", ErrInvalidTable, p.Path)
		}
		seen[p.Path] = struct{}{}
		if !p.RequiresAuth && len(p.AllowedRoles) > 0 {
			return fmt.Errorf("%w: public route %q lists roles", ErrInvalidTable, p.Path)
		}
	}
	return nil
}

// LoadTable decodes a YAML route table:
//
//	adminRole: admin
//	routes:
//	  - path: /grupos
//	    requiresAuth: true
//	    allowedRoles: [admin, parroco, secretaria, catequista]
func LoadTable(r io.Reader) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("failed to decode route table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTableFile reads a YAML route table from path.
func LoadTableFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to open route table: %w", err)
	}
	defer f.Close()

	return LoadTable(f)
}
