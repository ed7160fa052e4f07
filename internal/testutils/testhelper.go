package testutils

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
)

// StepService and friends describe the step counter peripheral used across tests
const (
	StepService        = "fff0"
	StepCharacteristic = "fff1"
	ControlPoint       = "fff2"
	PeripheralAddress  = "aa:bb:cc:dd:ee:ff"
	PeripheralName     = "Pedometer"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// NewStepStack returns a FakeStack serving the default step counter peripheral
func NewStepStack() *FakeStack {
	return NewFakeStack(StepService,
		CharacteristicSpec{UUID: StepCharacteristic, Props: device.PropRead | device.PropNotify},
		CharacteristicSpec{UUID: ControlPoint, Props: device.PropWrite},
	).AdvertisePeripheral(PeripheralAddress, PeripheralName)
}

// CaptureLogger returns a logger writing into the returned buffer
func CaptureLogger() (*logrus.Logger, *SyncBuffer) {
	buf := &SyncBuffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return logger, buf
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// WaitTimeout and Tick are the Eventually bounds shared by asynchronous tests
const (
	WaitTimeout = 2 * time.Second
	Tick        = 5 * time.Millisecond
)
