package sdr

import (
	"context"
	"fmt"
	"math/cmplx"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig locates a Linux radio whose IIO driver exposes calibration
// attributes in sysfs.
type SSHConfig struct {
	Host      string `yaml:"host"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	KeyPath   string `yaml:"key_path"`
	Port      int    `yaml:"port"`
	SysfsRoot string `yaml:"sysfs_root"`
	// Device is the IIO device directory under SysfsRoot, e.g. iio:device0.
	Device string `yaml:"device"`
}

// SSHCalibrationWriter commits corrections by writing the calibscale,
// calibphase and calibbias channel attributes of an IIO device over SSH.
type SSHCalibrationWriter struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
	run    func(ctx context.Context, cmd string) error
}

// NewSSHCalibrationWriter validates cfg and fills defaults. No connection
// is made until the first write.
func NewSSHCalibrationWriter(cfg SSHConfig) (*SSHCalibrationWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for sysfs commit")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/bus/iio/devices"
	}
	if cfg.Device == "" {
		cfg.Device = "iio:device0"
	}
	w := &SSHCalibrationWriter{cfg: cfg}
	w.run = w.runRemote
	return w, nil
}

// WriteCalibration implements CalibrationWriter. The balance is written as
// magnitude (calibscale) and angle in radians (calibphase); the DC offset
// as "re im" (calibbias).
func (w *SSHCalibrationWriter) WriteCalibration(ctx context.Context, dir Direction, channel int, cal Calibration) error {
	attrs := []struct {
		name  string
		value string
	}{
		{"calibscale", formatFloat(cmplx.Abs(cal.IQBalance))},
		{"calibphase", formatFloat(cmplx.Phase(cal.IQBalance))},
		{"calibbias", formatFloat(real(cal.DCOffset)) + " " + formatFloat(imag(cal.DCOffset))},
	}
	for _, a := range attrs {
		target := w.attributePath(dir, channel, a.name)
		cmd := fmt.Sprintf("printf %s > %s", shellQuote(a.value), shellQuote(target))
		if err := w.run(ctx, cmd); err != nil {
			return fmt.Errorf("write %s via ssh: %w", target, err)
		}
	}
	return nil
}

// Close drops the cached SSH connection.
func (w *SSHCalibrationWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	return err
}

func (w *SSHCalibrationWriter) runRemote(ctx context.Context, cmd string) error {
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()
	return session.Run(cmd)
}

func (w *SSHCalibrationWriter) dial(ctx context.Context) (*ssh.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client != nil {
		return w.client, nil
	}

	auth := []ssh.AuthMethod{}
	if w.cfg.Password != "" {
		auth = append(auth, ssh.Password(w.cfg.Password))
	}
	if w.cfg.KeyPath != "" {
		key, err := os.ReadFile(w.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            w.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	w.client = ssh.NewClient(clientConn, chans, reqs)
	return w.client, nil
}

// attributePath maps a direction and channel to the IIO sysfs file, e.g.
// in_voltage0_calibscale for RX channel 0.
func (w *SSHCalibrationWriter) attributePath(dir Direction, channel int, attr string) string {
	prefix := "in"
	if dir == TX {
		prefix = "out"
	}
	name := fmt.Sprintf("%s_voltage%d_%s", prefix, channel, attr)
	return filepath.Join(w.cfg.SysfsRoot, w.cfg.Device, name)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 9, 64) }

// shellQuote wraps value in single quotes for the remote shell.
func shellQuote(value string) string {
	var b []byte
	b = append(b, '\'')
	for i := 0; i < len(value); i++ {
		if value[i] == '\'' {
			b = append(b, `'\''`...)
			continue
		}
		b = append(b, value[i])
	}
	b = append(b, '\'')
	return string(b)
}
