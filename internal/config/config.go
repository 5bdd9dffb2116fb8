package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// PWM driver kinds
const (
	DriverPCA9685 = "pca9685"
	DriverMaestro = "maestro"
	DriverFake    = "fake"
)

// Camera source kinds
const (
	SourceRTSP    = "rtsp"
	SourcePattern = "pattern"
	SourceNone    = "none"
)

// Detector kinds
const (
	DetectorColor  = "color"
	DetectorRemote = "remote"
)

// Config is the full runtime configuration of the robot head remote
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	PWM      PWMConfig      `yaml:"pwm"`
	Head     HeadConfig     `yaml:"head"`
	Car      CarConfig      `yaml:"car"`
	Camera   CameraConfig   `yaml:"camera"`
	Live     LiveConfig     `yaml:"live"`
	Output   OutputConfig   `yaml:"output"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Listen     string   `yaml:"listen"`
	ICEServers []string `yaml:"ice_servers"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// PWMConfig selects and configures the servo pulse driver
type PWMConfig struct {
	Driver string `yaml:"driver"`

	// PCA9685
	Bus       string  `yaml:"bus"`
	Address   uint16  `yaml:"address"`
	Frequency float64 `yaml:"frequency"`

	// Pololu Maestro
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
}

// HeadConfig holds both head axes
type HeadConfig struct {
	Neck NeckConfig `yaml:"neck"`
	Face FaceConfig `yaml:"face"`
}

// NeckConfig configures the continuous-rotation pan axis
type NeckConfig struct {
	Channel  int           `yaml:"channel"`
	MinPulse time.Duration `yaml:"min_pulse"`
	MaxPulse time.Duration `yaml:"max_pulse"`

	// Throttle dead band of the servo; neutral is the midpoint.
	MinZero float64 `yaml:"min_zero"`
	MaxZero float64 `yaml:"max_zero"`
	Range   float64 `yaml:"range"`
	Invert  bool    `yaml:"invert"`

	MinAngle         float64       `yaml:"min_angle"`
	MaxAngle         float64       `yaml:"max_angle"`
	Kp               float64       `yaml:"kp"`
	MaxSpeed         float64       `yaml:"max_speed"`
	Deadband         float64       `yaml:"deadband"`
	DegreesPerSecond float64       `yaml:"degrees_per_second"`
	DriveScale       float64       `yaml:"drive_scale"`
	DriveMin         float64       `yaml:"drive_min"`
	DriveMax         float64       `yaml:"drive_max"`
	TickPeriod       time.Duration `yaml:"tick_period"`

	Sensitivity float64 `yaml:"sensitivity"`
}

// FaceConfig configures the positional tilt axis
type FaceConfig struct {
	Channel        int           `yaml:"channel"`
	MinPulse       time.Duration `yaml:"min_pulse"`
	MaxPulse       time.Duration `yaml:"max_pulse"`
	ZeroAngle      float64       `yaml:"zero_angle"`
	ActuationRange float64       `yaml:"actuation_range"`
	MinAngle       float64       `yaml:"min_angle"`
	MaxAngle       float64       `yaml:"max_angle"`
	Sensitivity    float64       `yaml:"sensitivity"`
}

// CarConfig configures the drive base
type CarConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinPulse time.Duration `yaml:"min_pulse"`
	MaxPulse time.Duration `yaml:"max_pulse"`
	Motor    MotorConfig   `yaml:"motor"`
	Wheel    WheelConfig   `yaml:"wheel"`
}

// MotorConfig maps speed requests to motor throttle
type MotorConfig struct {
	Channel              int         `yaml:"channel"`
	ZeroThrottle         float64     `yaml:"zero_throttle"`
	SpeedToThrottleRatio float64     `yaml:"speed_to_throttle_ratio"`
	Speed                SpeedConfig `yaml:"speed"`
}

// SpeedConfig lists the speeds selected by the keyboard
type SpeedConfig struct {
	Zero   float64   `yaml:"zero"`
	Normal SpeedMode `yaml:"normal"`
	Fast   SpeedMode `yaml:"fast"`
}

// SpeedMode is a forward/backward speed pair
type SpeedMode struct {
	Forward  float64 `yaml:"forward"`
	Backward float64 `yaml:"backward"`
}

// WheelConfig holds the steering throttles
type WheelConfig struct {
	Channel      int     `yaml:"channel"`
	MinThrottle  float64 `yaml:"min_throttle"`
	ZeroThrottle float64 `yaml:"zero_throttle"`
	MaxThrottle  float64 `yaml:"max_throttle"`
}

// CameraConfig selects the frame source for tracking and the MJPEG feed
type CameraConfig struct {
	Source string `yaml:"source"`
	URL    string `yaml:"url"`
	FPS    int    `yaml:"fps"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// LiveConfig configures the optional H264 WebRTC live view
type LiveConfig struct {
	RTSPURL string `yaml:"rtsp_url"`
}

// OutputConfig controls snapshot capture
type OutputConfig struct {
	Directory   string `yaml:"directory"`
	SaveImages  bool   `yaml:"save_images"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// TrackingConfig holds the tracking feedback parameters
type TrackingConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Gain     float64        `yaml:"gain"`
	Deadzone float64        `yaml:"deadzone"`
	Detector DetectorConfig `yaml:"detector"`
}

// DetectorConfig selects the subject detector
type DetectorConfig struct {
	Type string `yaml:"type"`

	// Color blob detector, hue in degrees, saturation/value in [0,1]
	HueMin       float64 `yaml:"hue_min"`
	HueMax       float64 `yaml:"hue_max"`
	SatMin       float64 `yaml:"sat_min"`
	ValMin       float64 `yaml:"val_min"`
	ProcessWidth int     `yaml:"process_width"`

	// Smallest accepted box as a fraction of the frame area
	MinArea float64 `yaml:"min_area"`

	// Remote HTTP detector
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	MinScore float64       `yaml:"min_score"`
}

// Default returns the configuration used when no file is given.
// Values follow the stock head build: PCA9685 at 0x40, 250Hz, neck on
// channel 3 and face on channel 2.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:     ":5000",
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Log: LogConfig{Level: "info"},
		PWM: PWMConfig{
			Driver:    DriverPCA9685,
			Bus:       "",
			Address:   0x40,
			Frequency: 250,
			BaudRate:  9600,
		},
		Head: HeadConfig{
			Neck: NeckConfig{
				Channel:          3,
				MinPulse:         750 * time.Microsecond,
				MaxPulse:         2750 * time.Microsecond,
				MinZero:          0.19,
				MaxZero:          0.33,
				Range:            0.5,
				MinAngle:         -180,
				MaxAngle:         180,
				Kp:               0.05,
				MaxSpeed:         1.0,
				Deadband:         0.5,
				DegreesPerSecond: 90,
				DriveScale:       1.0,
				DriveMin:         -0.9,
				DriveMax:         0.8,
				TickPeriod:       10 * time.Millisecond,
				Sensitivity:      0.1,
			},
			Face: FaceConfig{
				Channel:        2,
				MinPulse:       750 * time.Microsecond,
				MaxPulse:       2750 * time.Microsecond,
				ZeroAngle:      120,
				ActuationRange: 180,
				MinAngle:       -60,
				MaxAngle:       60,
				Sensitivity:    0.05,
			},
		},
		Car: CarConfig{
			Enabled:  true,
			MinPulse: 1000 * time.Microsecond,
			MaxPulse: 2000 * time.Microsecond,
			Motor: MotorConfig{
				Channel:              0,
				ZeroThrottle:         0,
				SpeedToThrottleRatio: 0.3,
				Speed: SpeedConfig{
					Zero:   0,
					Normal: SpeedMode{Forward: 0.5, Backward: -0.5},
					Fast:   SpeedMode{Forward: 1.0, Backward: -1.0},
				},
			},
			Wheel: WheelConfig{
				Channel:      1,
				MinThrottle:  -1,
				ZeroThrottle: 0,
				MaxThrottle:  1,
			},
		},
		Camera: CameraConfig{
			Source: SourcePattern,
			FPS:    15,
			Width:  640,
			Height: 480,
		},
		Output: OutputConfig{
			Directory:   "captures",
			SaveImages:  true,
			JPEGQuality: 80,
		},
		Tracking: TrackingConfig{
			Gain:     0.5,
			Deadzone: 0.05,
			Detector: DetectorConfig{
				Type:         DetectorColor,
				HueMin:       340,
				HueMax:       20,
				SatMin:       0.5,
				ValMin:       0.3,
				ProcessWidth: 160,
				MinArea:      0.001,
				Timeout:      2 * time.Second,
				MinScore:     0.3,
			},
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML into cfg, rejecting unknown keys
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks every field and reports all problems at once
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Listen != "", "server.listen is required")

	switch c.PWM.Driver {
	case DriverPCA9685:
		check(c.PWM.Address > 0 && c.PWM.Address < 0x80, "pwm.address %#x is not a 7-bit I2C address", c.PWM.Address)
		check(c.PWM.Frequency >= 24 && c.PWM.Frequency <= 1526, "pwm.frequency %v out of range [24, 1526]", c.PWM.Frequency)
	case DriverMaestro:
		check(c.PWM.SerialPort != "", "pwm.serial_port is required for the maestro driver")
		check(c.PWM.BaudRate > 0, "pwm.baud_rate must be positive")
	case DriverFake:
	default:
		check(false, "unknown pwm.driver %q", c.PWM.Driver)
	}

	n := c.Head.Neck
	check(validChannel(n.Channel), "head.neck.channel %d out of range [0, 15]", n.Channel)
	check(n.MinPulse > 0 && n.MinPulse < n.MaxPulse, "head.neck pulse range %v..%v is invalid", n.MinPulse, n.MaxPulse)
	check(n.MinZero <= n.MaxZero, "head.neck.min_zero must not exceed max_zero")
	check(n.Range > 0 && n.Range <= 1, "head.neck.range must be in (0, 1]")
	check(n.MinAngle < n.MaxAngle, "head.neck.min_angle must be below max_angle")
	check(n.Kp > 0, "head.neck.kp must be positive")
	check(n.MaxSpeed > 0, "head.neck.max_speed must be positive")
	check(n.Deadband >= 0, "head.neck.deadband must not be negative")
	check(n.DegreesPerSecond > 0, "head.neck.degrees_per_second must be positive")
	check(n.DriveScale > 0, "head.neck.drive_scale must be positive")
	check(n.DriveMin >= -1 && n.DriveMin <= 0, "head.neck.drive_min must be in [-1, 0]")
	check(n.DriveMax >= 0 && n.DriveMax <= 1, "head.neck.drive_max must be in [0, 1]")
	check(n.TickPeriod > 0, "head.neck.tick_period must be positive")

	f := c.Head.Face
	check(validChannel(f.Channel), "head.face.channel %d out of range [0, 15]", f.Channel)
	check(f.MinPulse > 0 && f.MinPulse < f.MaxPulse, "head.face pulse range %v..%v is invalid", f.MinPulse, f.MaxPulse)
	check(f.ActuationRange > 0, "head.face.actuation_range must be positive")
	check(f.MinAngle < f.MaxAngle, "head.face.min_angle must be below max_angle")
	check(n.Channel != f.Channel, "head.neck and head.face share channel %d", n.Channel)

	if c.Car.Enabled {
		car := c.Car
		check(validChannel(car.Motor.Channel), "car.motor.channel %d out of range [0, 15]", car.Motor.Channel)
		check(validChannel(car.Wheel.Channel), "car.wheel.channel %d out of range [0, 15]", car.Wheel.Channel)
		check(car.MinPulse > 0 && car.MinPulse < car.MaxPulse, "car pulse range %v..%v is invalid", car.MinPulse, car.MaxPulse)
		check(car.Wheel.MinThrottle <= car.Wheel.ZeroThrottle && car.Wheel.ZeroThrottle <= car.Wheel.MaxThrottle,
			"car.wheel throttles must satisfy min <= zero <= max")
		for _, ch := range []int{car.Motor.Channel, car.Wheel.Channel} {
			check(ch != n.Channel && ch != f.Channel, "car channel %d collides with a head channel", ch)
		}
		check(car.Motor.Channel != car.Wheel.Channel, "car.motor and car.wheel share channel %d", car.Motor.Channel)
	}

	switch c.Camera.Source {
	case SourceRTSP:
		check(c.Camera.URL != "", "camera.url is required for the rtsp source")
	case SourcePattern:
		check(c.Camera.Width > 0 && c.Camera.Height > 0, "camera width and height must be positive")
	case SourceNone:
	default:
		check(false, "unknown camera.source %q", c.Camera.Source)
	}
	check(c.Camera.FPS > 0, "camera.fps must be positive")

	check(c.Output.JPEGQuality >= 1 && c.Output.JPEGQuality <= 100, "output.jpeg_quality must be in [1, 100]")
	check(!c.Output.SaveImages || c.Output.Directory != "", "output.directory is required when save_images is set")

	t := c.Tracking
	check(t.Gain > 0, "tracking.gain must be positive")
	check(t.Deadzone >= 0 && t.Deadzone < 1, "tracking.deadzone must be in [0, 1)")
	switch t.Detector.Type {
	case DetectorColor:
		check(t.Detector.ProcessWidth > 0, "tracking.detector.process_width must be positive")
		check(t.Detector.SatMin >= 0 && t.Detector.SatMin <= 1, "tracking.detector.sat_min must be in [0, 1]")
		check(t.Detector.ValMin >= 0 && t.Detector.ValMin <= 1, "tracking.detector.val_min must be in [0, 1]")
	case DetectorRemote:
		check(t.Detector.URL != "", "tracking.detector.url is required for the remote detector")
		check(t.Detector.Timeout > 0, "tracking.detector.timeout must be positive")
	default:
		check(false, "unknown tracking.detector.type %q", t.Detector.Type)
	}
	check(t.Detector.MinArea >= 0 && t.Detector.MinArea < 1, "tracking.detector.min_area must be in [0, 1)")

	return err
}

func validChannel(ch int) bool {
	return ch >= 0 && ch < 16
}
