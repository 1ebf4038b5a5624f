package option

import (
	"os"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type Options struct {
	Log     *LogOptions    `json:"log,omitempty"`
	Proxy   ProxyOptions   `json:"proxy"`
	Modules *ModuleOptions `json:"modules,omitempty"`
	API     *APIOptions    `json:"api,omitempty"`
}

type LogOptions struct {
	Disabled         bool   `json:"disabled,omitempty"`
	Level            string `json:"level,omitempty"`
	Output           string `json:"output,omitempty"`
	DisableTimestamp bool   `json:"disable_timestamp,omitempty"`
}

// ProxyOptions is the immutable per-session configuration of the relay:
// where to listen, where to forward, and whether either leg speaks TLS.
type ProxyOptions struct {
	Listen     string              `json:"listen,omitempty"`
	ListenPort uint16              `json:"listen_port"`
	TargetHost string              `json:"target_host"`
	TargetPort uint16              `json:"target_port"`
	TLS        *InboundTLSOptions  `json:"tls,omitempty"`
	RemoteTLS  *OutboundTLSOptions `json:"remote_tls,omitempty"`
}

type InboundTLSOptions struct {
	Enabled         bool   `json:"enabled,omitempty"`
	CertificatePath string `json:"certificate_path,omitempty"`
	KeyPath         string `json:"key_path,omitempty"`
}

type OutboundTLSOptions struct {
	Enabled         bool   `json:"enabled,omitempty"`
	ServerName      string `json:"server_name,omitempty"`
	Insecure        bool   `json:"insecure,omitempty"`
	CertificatePath string `json:"certificate_path,omitempty"`
	KeyPath         string `json:"key_path,omitempty"`
}

// ModuleOptions names the built-in transform modules to register, in
// pipeline order, for each relay direction.
type ModuleOptions struct {
	Client []string `json:"client,omitempty"`
	Server []string `json:"server,omitempty"`
}

type APIOptions struct {
	Listen string `json:"listen,omitempty"`
}

func ReadOptions(path string) (Options, error) {
	var options Options
	content, err := os.ReadFile(path)
	if err != nil {
		return options, E.Cause(err, "read configuration at ", path)
	}
	err = json.Unmarshal(content, &options)
	if err != nil {
		return options, E.Cause(err, "decode configuration at ", path)
	}
	return options, nil
}

// Validate rejects invalid relay configurations before any socket is
// opened. TLS enabled on the local leg without a certificate is a
// configuration error here rather than a handshake failure later.
func (o ProxyOptions) Validate() error {
	if o.TargetHost == "" {
		return E.New("proxy: missing target_host")
	}
	if o.TargetPort == 0 {
		return E.New("proxy: missing target_port")
	}
	if o.TLS != nil && o.TLS.Enabled && o.TLS.CertificatePath == "" {
		return E.New("proxy: TLS enabled on local leg without certificate_path")
	}
	return nil
}
