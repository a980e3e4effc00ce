// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package payload

import (
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// The schemas only reject documents which cannot be attributed to a device.
// Mistyped fields are coerced by Decode.
const registrationSchema = `{
	"$id": "https://telemetry/registration.json",
	"type": "object",
	"required": ["deviceId"],
	"properties": {
		"deviceId": {"type": ["string", "number"], "minLength": 1}
	}
}`

const statusSchema = `{
	"$id": "https://telemetry/status.json",
	"type": "object",
	"required": ["deviceId", "status"],
	"properties": {
		"deviceId": {"type": ["string", "number"], "minLength": 1},
		"status": {"type": ["string", "number"], "minLength": 1}
	}
}`

const heartbeatSchema = `{
	"$id": "https://telemetry/heartbeat.json",
	"type": "object",
	"required": ["deviceId"],
	"properties": {
		"deviceId": {"type": ["string", "number"], "minLength": 1}
	}
}`

const sensorSchema = `{
	"$id": "https://telemetry/sensor.json",
	"type": "object"
}`

const controlSchema = `{
	"$id": "https://telemetry/control.json",
	"type": "object"
}`

// validator validates JSON documents against the schema of a payload kind
type validator struct {
	schemas map[Kind]*gojsonschema.Schema
}

func newValidator() (*validator, error) {
	v := &validator{schemas: make(map[Kind]*gojsonschema.Schema)}
	for kind, str := range map[Kind]string{
		KindRegistration: registrationSchema,
		KindStatus:       statusSchema,
		KindHeartbeat:    heartbeatSchema,
		KindSensor:       sensorSchema,
		KindControl:      controlSchema,
	} {
		sl := gojsonschema.NewSchemaLoader()
		schema, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema for %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// validate returns nil if the document is valid for the given kind
func (v *validator) validate(kind Kind, document []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("there is no schema for %s", kind)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", kind, err)
	}
	if !result.Valid() {
		msg := "the document is not valid:\n"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("- %s\n", e)
		}
		return errors.New(msg)
	}
	return nil
}
