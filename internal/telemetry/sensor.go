package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SensorKind is the "type" discriminator of an encoded SensorData.
type SensorKind string

const (
	KindTemperature   SensorKind = "Temperature"
	KindPressure      SensorKind = "Pressure"
	KindHumidity      SensorKind = "Humidity"
	KindGps           SensorKind = "Gps"
	KindAccelerometer SensorKind = "Accelerometer"
	KindGyroscope     SensorKind = "Gyroscope"
	KindAnalog        SensorKind = "Analog"
	KindDigital       SensorKind = "Digital"
)

// SensorData is the closed set of measurement payloads. Only the types in
// this package implement it.
type SensorData interface {
	Kind() SensorKind
	Description() string
	sensorData()
}

type Temperature struct {
	Value float32 `json:"value"`
	Unit  string  `json:"unit"`
}

type Pressure struct {
	Value float32 `json:"value"`
	Unit  string  `json:"unit"`
}

type Humidity struct {
	Value float32 `json:"value"`
	Unit  string  `json:"unit"`
}

type Gps struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float32 `json:"altitude"`
	Accuracy  float32 `json:"accuracy"`
}

type Accelerometer struct {
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
	Z    float32 `json:"z"`
	Unit string  `json:"unit"`
}

type Gyroscope struct {
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
	Z    float32 `json:"z"`
	Unit string  `json:"unit"`
}

type Analog struct {
	Value float32 `json:"value"`
	Unit  string  `json:"unit"`
}

type Digital struct {
	State bool   `json:"state"`
	Label string `json:"label"`
}

func (Temperature) Kind() SensorKind   { return KindTemperature }
func (Pressure) Kind() SensorKind      { return KindPressure }
func (Humidity) Kind() SensorKind      { return KindHumidity }
func (Gps) Kind() SensorKind           { return KindGps }
func (Accelerometer) Kind() SensorKind { return KindAccelerometer }
func (Gyroscope) Kind() SensorKind     { return KindGyroscope }
func (Analog) Kind() SensorKind        { return KindAnalog }
func (Digital) Kind() SensorKind       { return KindDigital }

func (Temperature) sensorData()   {}
func (Pressure) sensorData()      {}
func (Humidity) sensorData()      {}
func (Gps) sensorData()           {}
func (Accelerometer) sensorData() {}
func (Gyroscope) sensorData()     {}
func (Analog) sensorData()        {}
func (Digital) sensorData()       {}

func (t Temperature) Description() string { return fmt.Sprintf("%.2f%s", t.Value, t.Unit) }
func (p Pressure) Description() string    { return fmt.Sprintf("%.2f %s", p.Value, p.Unit) }
func (h Humidity) Description() string    { return fmt.Sprintf("%.1f%s", h.Value, h.Unit) }

func (g Gps) Description() string {
	return fmt.Sprintf("%.6f, %.6f (alt: %.1fm, acc: %.1fm)", g.Latitude, g.Longitude, g.Altitude, g.Accuracy)
}

func (a Accelerometer) Description() string {
	return fmt.Sprintf("x:%.2f y:%.2f z:%.2f %s", a.X, a.Y, a.Z, a.Unit)
}

func (g Gyroscope) Description() string {
	return fmt.Sprintf("x:%.2f y:%.2f z:%.2f %s", g.X, g.Y, g.Z, g.Unit)
}

func (a Analog) Description() string { return fmt.Sprintf("%.3f %s", a.Value, a.Unit) }

func (d Digital) Description() string {
	state := "OFF"
	if d.State {
		state = "ON"
	}
	return fmt.Sprintf("%s: %s", d.Label, state)
}

// The variants encode as flat objects carrying a "type" field.

func (t Temperature) MarshalJSON() ([]byte, error) {
	type wire Temperature
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindTemperature, wire(t)})
}

func (p Pressure) MarshalJSON() ([]byte, error) {
	type wire Pressure
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindPressure, wire(p)})
}

func (h Humidity) MarshalJSON() ([]byte, error) {
	type wire Humidity
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindHumidity, wire(h)})
}

func (g Gps) MarshalJSON() ([]byte, error) {
	type wire Gps
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindGps, wire(g)})
}

func (a Accelerometer) MarshalJSON() ([]byte, error) {
	type wire Accelerometer
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindAccelerometer, wire(a)})
}

func (g Gyroscope) MarshalJSON() ([]byte, error) {
	type wire Gyroscope
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindGyroscope, wire(g)})
}

func (a Analog) MarshalJSON() ([]byte, error) {
	type wire Analog
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindAnalog, wire(a)})
}

func (d Digital) MarshalJSON() ([]byte, error) {
	type wire Digital
	return json.Marshal(struct {
		Type SensorKind `json:"type"`
		wire
	}{KindDigital, wire(d)})
}

// DecodeSensorData decodes a tagged sensor payload.
func DecodeSensorData(data []byte) (SensorData, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("sensor data: missing payload")
	}

	var tag struct {
		Type SensorKind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("sensor data: %w", err)
	}

	switch tag.Type {
	case KindTemperature:
		return decodeVariant[Temperature](data)
	case KindPressure:
		return decodeVariant[Pressure](data)
	case KindHumidity:
		return decodeVariant[Humidity](data)
	case KindGps:
		return decodeVariant[Gps](data)
	case KindAccelerometer:
		return decodeVariant[Accelerometer](data)
	case KindGyroscope:
		return decodeVariant[Gyroscope](data)
	case KindAnalog:
		return decodeVariant[Analog](data)
	case KindDigital:
		return decodeVariant[Digital](data)
	case "":
		return nil, fmt.Errorf("sensor data: missing type")
	default:
		return nil, fmt.Errorf("sensor data: unknown type %q", tag.Type)
	}
}

func decodeVariant[T SensorData](data []byte) (SensorData, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("sensor data: %w", err)
	}
	return v, nil
}

func estimateSensorData(d SensorData) int {
	switch v := d.(type) {
	case Temperature:
		return 50 + len(v.Unit)
	case Pressure:
		return 47 + len(v.Unit)
	case Humidity:
		return 47 + len(v.Unit)
	case Gps:
		return 110
	case Accelerometer:
		return 80 + len(v.Unit)
	case Gyroscope:
		return 76 + len(v.Unit)
	case Analog:
		return 45 + len(v.Unit)
	case Digital:
		return 45 + len(v.Label)
	default:
		return 4
	}
}
