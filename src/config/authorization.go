package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Roles users can be given in the authorization file.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// Authorization maps user guids to their roles. It is read from an INI file
// with a [permissions] section of "guid = role[, role...]" lines.
type Authorization struct {
	roles map[string][]string
}

// LoadAuthorization reads path. A missing file grants no role to anybody.
func LoadAuthorization(path string) (*Authorization, error) {
	a := &Authorization{roles: make(map[string][]string)}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return a, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	for guid, value := range v.GetStringMapString("permissions") {
		for _, role := range strings.Split(value, ",") {
			if role = strings.TrimSpace(role); role != "" {
				a.roles[guid] = append(a.roles[guid], role)
			}
		}
	}
	return a, nil
}

// Roles ...
func (a *Authorization) Roles(guid string) []string {
	if a == nil {
		return nil
	}
	return a.roles[strings.ToLower(guid)]
}

// Has reports whether guid was given role.
func (a *Authorization) Has(guid, role string) bool {
	for _, r := range a.Roles(guid) {
		if r == role {
			return true
		}
	}
	return false
}
