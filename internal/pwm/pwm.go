package pwm

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"robohead/internal/config"
)

// Driver sets servo pulse widths on numbered output channels
type Driver interface {
	// SetPulse sets the high time of each PWM period on a channel.
	// A zero width turns the output fully off.
	SetPulse(channel int, width time.Duration) error

	// Close releases the underlying bus or port
	Close() error
}

// Open creates the driver selected by the configuration
func Open(cfg config.PWMConfig, logger *zap.SugaredLogger) (Driver, error) {
	switch cfg.Driver {
	case config.DriverPCA9685:
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
		}
		bus, err := i2creg.Open(cfg.Bus)
		if err != nil {
			return nil, fmt.Errorf("failed to open I2C bus %q: %w", cfg.Bus, err)
		}
		dev, err := NewPCA9685(bus, cfg.Address, cfg.Frequency)
		if err != nil {
			bus.Close()
			return nil, err
		}
		dev.closer = bus
		logger.Infof("PCA9685 at %#x on %s, %vHz, period %v", cfg.Address, bus, cfg.Frequency, dev.Period())
		return dev, nil

	case config.DriverMaestro:
		dev, err := OpenMaestro(cfg.SerialPort, cfg.BaudRate)
		if err != nil {
			return nil, err
		}
		logger.Infof("Maestro on %s at %d baud", cfg.SerialPort, cfg.BaudRate)
		return dev, nil

	case config.DriverFake:
		logger.Warnf("Using fake PWM driver, no hardware will move")
		return NewFake(), nil

	default:
		return nil, fmt.Errorf("unsupported PWM driver: %s", cfg.Driver)
	}
}
