package tcp

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of an [Engine]. The zero value is not valid, start from [DefaultConfig].
type Config struct {
	// MSS is the largest payload this end is willing to receive and send per segment.
	// It is further clamped by the route MTU and the remote's MSS option.
	MSS int `yaml:"mss"`
	// SendBufferSize is the per connection limit of written but unacknowledged octets.
	SendBufferSize int `yaml:"send_buffer_size"`
	// RecvBufferSize is the per connection receive buffer size, upper bound of the advertised window.
	RecvBufferSize int `yaml:"recv_buffer_size"`

	InitialRTO time.Duration `yaml:"initial_rto"`
	MinRTO     time.Duration `yaml:"min_rto"`
	MaxRTO     time.Duration `yaml:"max_rto"`
	// SoftRetries is the number of consecutive retransmissions after which the route is re-validated.
	SoftRetries int `yaml:"soft_retries"`
	// HardRetries is the number of consecutive retransmissions after which the connection is aborted.
	HardRetries int `yaml:"hard_retries"`
	// SynRetries is the retransmission budget of an active open.
	SynRetries int `yaml:"syn_retries"`
	// MaxProbeInterval caps the backoff of zero window probes.
	MaxProbeInterval time.Duration `yaml:"max_probe_interval"`

	// DelayedAck is the longest an acknowledgment is deferred.
	DelayedAck time.Duration `yaml:"delayed_ack"`
	// AckSegments is the number of unacknowledged full segments that force an immediate ACK.
	AckSegments int `yaml:"ack_segments"`
	// NagleTimeout bounds how long a partial segment is held back for coalescing.
	NagleTimeout time.Duration `yaml:"nagle_timeout"`

	TimeWait time.Duration `yaml:"time_wait"`
	// FinWait2 bounds how long a fully closed connection waits for the remote FIN.
	FinWait2 time.Duration `yaml:"fin_wait2"`

	KeepaliveIdle     time.Duration `yaml:"keepalive_idle"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveProbes   int           `yaml:"keepalive_probes"`

	// Backlog is used by [Engine.Listen] when called with a non-positive backlog.
	Backlog int `yaml:"backlog"`
	// MemoryLimit caps queued octets when the engine creates its own [MemoryAccountant].
	MemoryLimit int   `yaml:"memory_limit"`
	TTL         uint8 `yaml:"ttl"`
	TOS         uint8 `yaml:"tos"`
	// EventQueueLen is the buffer length of the channel returned by [Engine.Events].
	EventQueueLen int `yaml:"event_queue_len"`
	// EphemeralPortMin and EphemeralPortMax delimit local ports allocated by Connect.
	EphemeralPortMin uint16 `yaml:"ephemeral_port_min"`
	EphemeralPortMax uint16 `yaml:"ephemeral_port_max"`
}

// DefaultConfig returns a Config with modern constants.
func DefaultConfig() Config {
	return Config{
		MSS:               1460,
		SendBufferSize:    64 * 1024,
		RecvBufferSize:    64 * 1024,
		InitialRTO:        time.Second,
		MinRTO:            200 * time.Millisecond,
		MaxRTO:            60 * time.Second,
		SoftRetries:       3,
		HardRetries:       12,
		SynRetries:        6,
		MaxProbeInterval:  60 * time.Second,
		DelayedAck:        40 * time.Millisecond,
		AckSegments:       2,
		NagleTimeout:      200 * time.Millisecond,
		TimeWait:          60 * time.Second,
		FinWait2:          60 * time.Second,
		KeepaliveIdle:     2 * time.Hour,
		KeepaliveInterval: 75 * time.Second,
		KeepaliveProbes:   9,
		Backlog:           128,
		MemoryLimit:       16 << 20,
		TTL:               64,
		EventQueueLen:     256,
		EphemeralPortMin:  49152,
		EphemeralPortMax:  65535,
	}
}

// ParseConfig decodes a YAML document over [DefaultConfig]. Unknown fields are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && err != io.EOF {
		return cfg, errors.Wrap(err, "tcp: decoding config")
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "tcp: reading config")
	}
	return ParseConfig(bytes.NewReader(data))
}

// Validate reports the first inconsistent value found.
func (cfg *Config) Validate() error {
	switch {
	case cfg.MSS < 64 || cfg.MSS > 0xffff:
		return errors.Errorf("tcp: config mss %d out of range [64, 65535]", cfg.MSS)
	case cfg.SendBufferSize < cfg.MSS:
		return errors.Errorf("tcp: config send_buffer_size %d smaller than mss", cfg.SendBufferSize)
	case cfg.RecvBufferSize < cfg.MSS:
		return errors.Errorf("tcp: config recv_buffer_size %d smaller than mss", cfg.RecvBufferSize)
	case cfg.MinRTO <= 0 || cfg.MaxRTO < cfg.MinRTO:
		return errors.Errorf("tcp: config rto bounds [%s, %s] invalid", cfg.MinRTO, cfg.MaxRTO)
	case cfg.InitialRTO < cfg.MinRTO || cfg.InitialRTO > cfg.MaxRTO:
		return errors.Errorf("tcp: config initial_rto %s outside rto bounds", cfg.InitialRTO)
	case cfg.SoftRetries < 0 || cfg.HardRetries <= cfg.SoftRetries:
		return errors.New("tcp: config requires 0 <= soft_retries < hard_retries")
	case cfg.SynRetries <= 0:
		return errors.New("tcp: config syn_retries must be positive")
	case cfg.DelayedAck < 0 || cfg.DelayedAck >= cfg.MinRTO:
		return errors.New("tcp: config delayed_ack must be non-negative and below min_rto")
	case cfg.AckSegments <= 0:
		return errors.New("tcp: config ack_segments must be positive")
	case cfg.NagleTimeout <= 0:
		return errors.New("tcp: config nagle_timeout must be positive")
	case cfg.TimeWait <= 0 || cfg.FinWait2 <= 0:
		return errors.New("tcp: config time_wait and fin_wait2 must be positive")
	case cfg.KeepaliveIdle <= 0 || cfg.KeepaliveInterval <= 0 || cfg.KeepaliveProbes <= 0:
		return errors.New("tcp: config keepalive values must be positive")
	case cfg.Backlog <= 0:
		return errors.New("tcp: config backlog must be positive")
	case cfg.EventQueueLen < 0:
		return errors.New("tcp: config event_queue_len must be non-negative")
	case cfg.EphemeralPortMin == 0 || cfg.EphemeralPortMax < cfg.EphemeralPortMin:
		return errors.New("tcp: config ephemeral port range invalid")
	case cfg.MaxProbeInterval < cfg.MinRTO:
		return errors.New("tcp: config max_probe_interval below min_rto")
	}
	return nil
}
