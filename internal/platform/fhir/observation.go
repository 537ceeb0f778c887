package fhir

import (
	"fmt"
	"time"

	"github.com/medigate/ingest/internal/domain/canonical"
	"github.com/medigate/ingest/internal/domain/registry"
)

const (
	loincSystem = "http://loinc.org"
	ucumSystem  = "http://unitsofmeasure.org"

	// IdentifierSystem namespaces the idempotency identifier the writer
	// relies on for dedup across redeliveries.
	IdentifierSystem = "urn:medigate:ingest"
)

var catVitalSigns = []CodeableConcept{{
	Coding: []Coding{{
		System:  "http://terminology.hl7.org/CodeSystem/observation-category",
		Code:    "vital-signs",
		Display: "Vital Signs",
	}},
}}

func loinc(code, display string) CodeableConcept {
	return CodeableConcept{Coding: []Coding{{System: loincSystem, Code: code, Display: display}}, Text: display}
}

func qty(v float64, unit, ucum string) *Quantity {
	return &Quantity{Value: v, Unit: unit, System: ucumSystem, Code: ucum}
}

// kindCodes maps canonical kinds to their primary LOINC coding. Kinds with
// component layouts (bp, spo2) additionally get component codings in the
// project functions below.
var kindCodes = map[canonical.Kind]CodeableConcept{
	canonical.KindBP:           loinc("85354-9", "Blood pressure panel with all children optional"),
	canonical.KindGlucose:      loinc("2339-0", "Glucose [Mass/volume] in Blood"),
	canonical.KindSpO2:         loinc("2708-6", "Oxygen saturation in Arterial blood"),
	canonical.KindTemp:         loinc("8310-5", "Body temperature"),
	canonical.KindWeight:       loinc("29463-7", "Body weight"),
	canonical.KindChol:         loinc("2093-3", "Cholesterol [Mass/volume] in Serum or Plasma"),
	canonical.KindUricAcid:     loinc("3084-1", "Urate [Mass/volume] in Serum or Plasma"),
	canonical.KindSteps:        loinc("55423-8", "Number of steps in unspecified time Pedometer"),
	canonical.KindSleep:        loinc("93832-4", "Sleep duration"),
	canonical.KindLocation:     loinc("86711-2", "Geographic location"),
	canonical.KindDeviceStatus: loinc("75275-8", "Device status"),
}

// Project maps a resolved canonical record to zero or more FHIR R5
// Observations. Unresolved records project to an empty slice; history is
// their only store. Batch payloads project one resource per sample, in
// sample order, each carrying its batch index in the idempotency
// identifier.
func Project(obs *canonical.Observation, res registry.Resolution) []Observation {
	subject := subjectRef(res)
	if subject == nil {
		return nil
	}
	performer := []Reference{{Reference: obs.PerformerReference(), Type: "Device"}}

	if obs.Kind == canonical.KindBatchVitals {
		out := make([]Observation, 0, len(obs.Batch))
		for i, s := range obs.Batch {
			o := projectOne(s.Kind, s.Values, s.EffectiveTime, obs, i)
			o.Subject = subject
			o.Performer = performer
			out = append(out, o)
		}
		return out
	}

	o := projectOne(obs.Kind, obs.Values, obs.EffectiveTime, obs, 0)
	o.Subject = subject
	o.Performer = performer
	return []Observation{o}
}

// subjectRef builds the Patient reference. Hospital-owned Qube records have
// no patient row; the hospital id stands in as the subject placeholder so
// the store-side invariant of a non-empty subject holds.
func subjectRef(res registry.Resolution) *Reference {
	if !res.Resolved() {
		return nil
	}
	if res.PatientID != nil {
		return &Reference{
			Reference: FormatReference("Patient", res.PatientID.String()),
			Type:      "Patient",
			Display:   res.PatientName,
		}
	}
	if res.HospitalID != nil {
		return &Reference{
			Reference: FormatReference("Patient", res.HospitalID.String()),
			Type:      "Patient",
		}
	}
	return nil
}

// IdempotencyKey is the dedup key the FHIR store is expected to honor.
func IdempotencyKey(obs *canonical.Observation, kind canonical.Kind, index int) string {
	return fmt.Sprintf("%s:%s:%d", obs.IngestID, kind, index)
}

func projectOne(kind canonical.Kind, values map[string]interface{}, effective time.Time, obs *canonical.Observation, index int) Observation {
	o := Observation{
		ResourceType: "Observation",
		Status:       "final",
		Category:     catVitalSigns,
		Identifier: []Identifier{{
			Use:    "official",
			System: IdentifierSystem,
			Value:  IdempotencyKey(obs, kind, index),
		}},
		EffectiveDateTime: effective.UTC().Format(time.RFC3339),
		Issued:            obs.ReceivedTime.UTC().Format(time.RFC3339),
	}

	switch kind {
	case canonical.KindBP:
		o.Code = kindCodes[kind]
		o.Component = bpComponents(values)
	case canonical.KindSpO2:
		o.Code = kindCodes[kind]
		o.Component = spo2Components(values)
	case canonical.KindGlucose:
		o.Code = kindCodes[kind]
		o.ValueQuantity = quantityFrom(values, "value", "mg/dL", "mg/dL")
		if marker, ok := values["marker"].(string); ok && marker != "none" && marker != "" {
			o.Component = append(o.Component, ObservationComponent{
				Code:        loinc("87527-8", "Glucose measurement context"),
				ValueString: marker,
			})
		}
	case canonical.KindTemp:
		o.Code = kindCodes[kind]
		o.ValueQuantity = quantityFrom(values, "value", "°C", "Cel")
	case canonical.KindWeight:
		o.Code = kindCodes[kind]
		o.ValueQuantity = quantityFrom(values, "weight", "kg", "kg")
		if bmi := quantityFrom(values, "bmi", "kg/m2", "kg/m2"); bmi != nil {
			o.Component = append(o.Component, ObservationComponent{
				Code:          loinc("39156-5", "Body mass index"),
				ValueQuantity: bmi,
			})
		}
	case canonical.KindChol:
		o.Code = kindCodes[kind]
		o.ValueQuantity = quantityFrom(values, "value", "mg/dL", "mg/dL")
	case canonical.KindUricAcid:
		o.Code = kindCodes[kind]
		o.ValueQuantity = quantityFrom(values, "value", "mg/dL", "mg/dL")
	case canonical.KindSalt:
		o.Code = CodeableConcept{Text: "Salt intake level"}
		o.Category = nil
		o.ValueQuantity = quantityFrom(values, "value", "mmol/L", "mmol/L")
	case canonical.KindSteps:
		o.Code = kindCodes[kind]
		o.Category = nil
		o.ValueQuantity = quantityFrom(values, "value", "steps", "{steps}")
	case canonical.KindSleep:
		o.Code = kindCodes[kind]
		o.Category = nil
		if period, ok := values["period"].(string); ok {
			o.ValueString = period
		}
		if raw, ok := values["raw"].(string); ok && raw != "" {
			o.Component = append(o.Component, ObservationComponent{
				Code:        CodeableConcept{Text: "Sleep slot data"},
				ValueString: raw,
			})
		}
	case canonical.KindLocation:
		o.Code = kindCodes[kind]
		o.Category = nil
		o.Component = locationComponents(values)
	case canonical.KindDeviceStatus:
		o.Code = kindCodes[kind]
		o.Category = nil
		if status, ok := values["status"].(string); ok {
			o.ValueString = status
		}
		if bat := quantityFrom(values, "battery", "%", "%"); bat != nil {
			o.Component = append(o.Component, ObservationComponent{
				Code:          loinc("67775-7", "Battery level"),
				ValueQuantity: bat,
			})
		}
	case canonical.KindSOS:
		o.Code = CodeableConcept{Text: "SOS alert"}
		o.Category = nil
		o.ValueString = "sos"
	case canonical.KindFall:
		o.Code = CodeableConcept{Text: "Fall detected"}
		o.Category = nil
		o.ValueString = "fall"
	default:
		o.Code = CodeableConcept{Text: string(kind)}
	}
	return o
}

func bpComponents(values map[string]interface{}) []ObservationComponent {
	comps := []ObservationComponent{}
	if q := quantityFrom(values, "systolic", "mmHg", "mm[Hg]"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("8480-6", "Systolic blood pressure"),
			ValueQuantity: q,
		})
	}
	if q := quantityFrom(values, "diastolic", "mmHg", "mm[Hg]"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("8462-4", "Diastolic blood pressure"),
			ValueQuantity: q,
		})
	}
	if q := quantityFrom(values, "pulse", "beats/min", "/min"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("8867-4", "Heart rate"),
			ValueQuantity: q,
		})
	}
	return comps
}

// spo2Components carries the saturation itself as a component alongside an
// optional pulse, mirroring the combined spo2+pulse reading the devices send.
func spo2Components(values map[string]interface{}) []ObservationComponent {
	comps := []ObservationComponent{}
	if q := quantityFrom(values, "spo2", "%", "%"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("2708-6", "Oxygen saturation in Arterial blood"),
			ValueQuantity: q,
		})
	}
	if q := quantityFrom(values, "pulse", "beats/min", "/min"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("8867-4", "Heart rate"),
			ValueQuantity: q,
		})
	}
	return comps
}

func locationComponents(values map[string]interface{}) []ObservationComponent {
	comps := []ObservationComponent{}
	gps, ok := values["gps"].(map[string]interface{})
	if !ok {
		return comps
	}
	if q := quantityFrom(gps, "lat", "deg", "deg"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("91588-4", "Latitude"),
			ValueQuantity: q,
		})
	}
	if q := quantityFrom(gps, "lon", "deg", "deg"); q != nil {
		comps = append(comps, ObservationComponent{
			Code:          loinc("91589-2", "Longitude"),
			ValueQuantity: q,
		})
	}
	return comps
}

func quantityFrom(values map[string]interface{}, key, unit, ucum string) *Quantity {
	v, ok := values[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return qty(n, unit, ucum)
	case float32:
		return qty(float64(n), unit, ucum)
	case int:
		return qty(float64(n), unit, ucum)
	case int64:
		return qty(float64(n), unit, ucum)
	}
	return nil
}
