package config

import (
	"net"
	neturl "net/url"
	"sort"
	"strconv"
	"strings"
)

// DSNValue resolves the effective Postgres DSN. A full dsn or url set in
// the config always wins; otherwise one is assembled from the split parts
// in the keyword form the Postgres driver accepts.
func (c DatabaseRuntimeConfig) DSNValue() string {
	if v := strings.TrimSpace(c.DSN); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.URL); v != "" {
		return v
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = defaultDBHost
	}
	port := c.Port
	if port == 0 {
		port = defaultDBPort
	}
	user := strings.TrimSpace(c.User)
	if user == "" {
		user = strings.TrimSpace(c.Username)
	}
	if user == "" {
		user = defaultDBUser
	}
	password := strings.TrimSpace(c.Password)
	if password == "" {
		password = defaultDBPassword
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = strings.TrimSpace(c.DBName)
	}
	if name == "" {
		name = defaultDBName
	}
	sslMode := strings.TrimSpace(c.SSLMode)
	if sslMode == "" {
		sslMode = defaultDBSSLMode
	}
	timezone := strings.TrimSpace(c.Timezone)
	if timezone == "" {
		timezone = defaultDBTimezone
	}

	parts := []string{
		"host=" + host,
		"port=" + strconv.Itoa(port),
		"user=" + user,
		"password=" + password,
		"dbname=" + name,
		"sslmode=" + sslMode,
		"TimeZone=" + timezone,
	}

	if len(c.Params) > 0 {
		keys := make([]string, 0, len(c.Params))
		for key := range c.Params {
			if k := strings.TrimSpace(key); k != "" && strings.TrimSpace(c.Params[key]) != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strings.TrimSpace(c.Params[k]))
		}
	}

	return strings.Join(parts, " ")
}

// URLValue resolves the effective Redis URL, assembling one from split
// parts when no explicit url is configured.
func (c RedisRuntimeConfig) URLValue() string {
	if u := normalizeRedisRawURL(c.URL); u != "" {
		return u
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = defaultRedisHost
	}
	port := c.Port
	if port == 0 {
		port = defaultRedisPort
	}
	db := c.DB
	if db < 0 {
		db = defaultRedisDB
	}

	scheme := strings.ToLower(strings.TrimSpace(c.Scheme))
	if scheme == "" {
		if c.TLS {
			scheme = "rediss"
		} else {
			scheme = "redis"
		}
	}
	if scheme != "redis" && scheme != "rediss" {
		scheme = "redis"
	}

	u := &neturl.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strconv.Itoa(db),
	}
	username := strings.TrimSpace(c.Username)
	password := strings.TrimSpace(c.Password)
	if username != "" {
		if password != "" {
			u.User = neturl.UserPassword(username, password)
		} else {
			u.User = neturl.User(username)
		}
	} else if password != "" {
		u.User = neturl.UserPassword("", password)
	}

	if len(c.Params) > 0 {
		query := neturl.Values{}
		for key, value := range c.Params {
			k := strings.TrimSpace(key)
			v := strings.TrimSpace(value)
			if k != "" && v != "" {
				query.Set(k, v)
			}
		}
		if len(query) > 0 {
			u.RawQuery = query.Encode()
		}
	}

	return u.String()
}

// Redacted returns the DSN with the password masked, safe for logs.
func (c DatabaseRuntimeConfig) Redacted() string {
	dsn := c.DSNValue()
	if strings.Contains(dsn, "password=") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=******"
			}
		}
		return strings.Join(fields, " ")
	}
	if u, err := neturl.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = neturl.UserPassword(u.User.Username(), "******")
			return u.String()
		}
	}
	return dsn
}
