package models

import "time"

// SecretMask replaces every secret value in tenant read models.
const SecretMask = "********"

// Tenant is one country-specific ERP backend. Every document is tagged with
// the code of the tenant it was read from.
type Tenant struct {
	Code        string        `db:"code"         json:"code"`
	Name        string        `db:"name"         json:"name"`
	IsActive    bool          `db:"is_active"    json:"isActive"`
	IsDefault   bool          `db:"is_default"   json:"isDefault"`
	TableSuffix string        `db:"table_suffix" json:"tableSuffix"`
	DB          DBProfile     `json:"db"`
	API         APIProfile    `json:"api"`
	APITimeout  time.Duration `db:"api_timeout"  json:"apiTimeout"`
	CreatedAt   time.Time     `db:"created_at"   json:"createdAt"`
	UpdatedAt   time.Time     `db:"updated_at"   json:"updatedAt"`
}

// DBProfile holds the ERP database coordinates. PasswordEnc is AES-GCM
// ciphertext and never leaves the process.
type DBProfile struct {
	Host        string `db:"db_host"     json:"host"`
	Port        int    `db:"db_port"     json:"port"`
	Database    string `db:"db_database" json:"database"`
	Username    string `db:"db_username" json:"username"`
	PasswordEnc []byte `db:"db_password" json:"-"`
	Options     string `db:"db_options"  json:"options"`
}

// APIProfile holds the ERP REST coordinates.
type APIProfile struct {
	BaseURL     string `db:"api_base_url" json:"baseUrl"`
	Username    string `db:"api_username" json:"username"`
	PasswordEnc []byte `db:"api_password" json:"-"`
	OAuthURL    string `db:"oauth_url"    json:"oauthUrl"`
}

// TenantView is the masked read model returned to API callers.
type TenantView struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	IsActive    bool   `json:"isActive"`
	IsDefault   bool   `json:"isDefault"`
	TableSuffix string `json:"tableSuffix"`
	DBHost      string `json:"dbHost"`
	DBPort      int    `json:"dbPort"`
	DBDatabase  string `json:"dbDatabase"`
	DBUsername  string `json:"dbUsername"`
	DBPassword  string `json:"dbPassword"`
	DBOptions   string `json:"dbOptions"`
	APIBaseURL  string `json:"apiBaseUrl"`
	APIUsername string `json:"apiUsername"`
	APIPassword string `json:"apiPassword"`
	APITimeout  int    `json:"apiTimeout"`
	OAuthURL    string `json:"oauthUrl"`
}

// View masks the tenant's secrets. The timeout is reported in seconds.
func (t Tenant) View() TenantView {
	v := TenantView{
		Code:        t.Code,
		Name:        t.Name,
		IsActive:    t.IsActive,
		IsDefault:   t.IsDefault,
		TableSuffix: t.TableSuffix,
		DBHost:      t.DB.Host,
		DBPort:      t.DB.Port,
		DBDatabase:  t.DB.Database,
		DBUsername:  t.DB.Username,
		DBOptions:   t.DB.Options,
		APIBaseURL:  t.API.BaseURL,
		APIUsername: t.API.Username,
		APITimeout:  int(t.APITimeout / time.Second),
		OAuthURL:    t.API.OAuthURL,
	}
	if len(t.DB.PasswordEnc) > 0 {
		v.DBPassword = SecretMask
	}
	if len(t.API.PasswordEnc) > 0 {
		v.APIPassword = SecretMask
	}
	return v
}
