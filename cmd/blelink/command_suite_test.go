package main

import (
	"bytes"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/store/prefs"
	"github.com/srg/blelink/internal/testutils"
	"github.com/srg/blelink/pkg/config"
	"github.com/srg/blelink/pkg/connection"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

var uartServices = []device.Service{{
	UUID: device.NormalizeUUID(connection.SerialServiceUUID),
	Characteristics: []string{
		device.NormalizeUUID(connection.SerialRxCharUUID),
		device.NormalizeUUID(connection.SerialTxCharUUID),
	},
}}

// syncBuffer collects command output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a fake transport and a per-test
// data directory with the intro already dismissed.
type CommandTestSuite struct {
	suite.Suite
	transport *testutils.FakeTransport
	dataDir   string

	prevOpen func(*config.Config, *logrus.Logger) (device.Transport, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.dataDir = s.T().TempDir()
	s.transport = testutils.NewFakeTransport()

	p, err := prefs.Open(filepath.Join(s.dataDir, prefsFile))
	s.Require().NoError(err)
	s.Require().NoError(p.SetSkipIntro(true))

	s.prevOpen = openTransport
	openTransport = func(*config.Config, *logrus.Logger) (device.Transport, error) {
		return s.transport, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	openTransport = s.prevOpen
}

// ExecuteCommand runs a fresh command tree with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "--data-dir", s.dataDir))
	err := cmd.Execute()
	return buf.String(), err
}
