package classify

import (
	"encoding/json"
	"strconv"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// katiPayload is the union of the wrist monitor's topic payloads. Topics are
// sparse; only the fields for the topic at hand are populated.
type katiPayload struct {
	IMEI       string          `json:"IMEI"`
	TimeStamps json.RawMessage `json:"timeStamps"`

	// hb / onlineTrigger
	Status    string   `json:"status"`
	Battery   *float64 `json:"battery"`
	SignalGSM *float64 `json:"signalGSM"`
	Step      *float64 `json:"step"`

	// VitalSign
	HeartRate       *float64 `json:"heartRate"`
	SpO2            *float64 `json:"spO2"`
	BloodPressure   *katiBP  `json:"bloodPressure"`
	BodyTemperature *float64 `json:"bodyTemperature"`

	// AP55
	Data []katiSampleRaw `json:"data"`

	// location / sos / fallDown
	Location *katiLocation `json:"location"`

	// sleepdata
	Sleep *struct {
		TimeStamps json.RawMessage `json:"timeStamps"`
		Period     string          `json:"time"`
		Data       string          `json:"data"`
		Num        *float64        `json:"num"`
	} `json:"sleep"`
}

type katiBP struct {
	Systolic  *float64 `json:"bp_sys"`
	Diastolic *float64 `json:"bp_dia"`
}

type katiSampleRaw struct {
	TimeStamps      json.RawMessage `json:"timeStamps"`
	HeartRate       *float64        `json:"heartRate"`
	SpO2            *float64        `json:"spO2"`
	BloodPressure   *katiBP         `json:"bloodPressure"`
	BodyTemperature *float64        `json:"bodyTemperature"`
}

type katiLocation struct {
	GPS *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Speed     *float64 `json:"speed"`
		Header    *float64 `json:"header"`
	} `json:"GPS"`
	WiFi string `json:"WiFi"`
	LBS  *struct {
		MCC *float64 `json:"MCC"`
		MNC *float64 `json:"MNC"`
		LAC *float64 `json:"LAC"`
		CID *float64 `json:"CID"`
	} `json:"LBS"`
}

func (c *Classifier) classifyKati(suffix string, payload []byte) (*canonical.Observation, *Error) {
	var p katiPayload
	if perr := decode(payload, &p); perr != nil {
		return nil, perr
	}
	if p.IMEI == "" {
		return nil, schemaErr("IMEI", "is required")
	}

	obs := &canonical.Observation{
		Vendor:     canonical.VendorKati,
		DeviceIMEI: p.IMEI,
	}
	obs.EffectiveTime, _ = parseDeviceTime(p.TimeStamps)

	switch suffix {
	case "hb":
		obs.Kind = canonical.KindDeviceStatus
		obs.Values = katiStatusValues(&p)
		// The heartbeat carries the pedometer reading alongside device
		// status; split it into its own record so it lands in the step
		// series and projects as a step-count observation.
		if p.Step != nil {
			obs.Derived = append(obs.Derived, &canonical.Observation{
				Kind:   canonical.KindSteps,
				Values: map[string]interface{}{"value": *p.Step},
			})
		}
	case "onlineTrigger":
		obs.Kind = canonical.KindDeviceStatus
		status := p.Status
		if status == "" {
			status = "online"
		}
		obs.Values = map[string]interface{}{"status": status}
	case "VitalSign":
		kind, values, perr := katiVitalValues(p.HeartRate, p.SpO2, p.BloodPressure, p.BodyTemperature)
		if perr != nil {
			return nil, perr
		}
		obs.Kind = kind
		obs.Values = values
	case "AP55":
		if len(p.Data) == 0 {
			return nil, schemaErr("data", "is required")
		}
		obs.Kind = canonical.KindBatchVitals
		for i, raw := range p.Data {
			kind, values, perr := katiVitalValues(raw.HeartRate, raw.SpO2, raw.BloodPressure, raw.BodyTemperature)
			if perr != nil {
				perr.Detail = "data[" + strconv.Itoa(i) + "]: " + perr.Detail
				return nil, perr
			}
			sample := canonical.Sample{Kind: kind, Values: values}
			sample.EffectiveTime, _ = parseDeviceTime(raw.TimeStamps)
			obs.Batch = append(obs.Batch, sample)
		}
	case "location":
		if p.Location == nil {
			return nil, schemaErr("location", "is required")
		}
		obs.Kind = canonical.KindLocation
		obs.Values = katiLocationValues(p.Location)
	case "sleepdata":
		if p.Sleep == nil {
			return nil, schemaErr("sleep", "is required")
		}
		obs.Kind = canonical.KindSleep
		slots := 0.0
		if p.Sleep.Num != nil {
			slots = *p.Sleep.Num
		}
		obs.Values = map[string]interface{}{
			"period": p.Sleep.Period,
			"slots":  slots,
			"raw":    p.Sleep.Data,
		}
		if t, ok := parseDeviceTime(p.Sleep.TimeStamps); ok {
			obs.EffectiveTime = t
		}
	case "sos", "SOS":
		obs.Kind = canonical.KindSOS
		obs.Values = katiEmergencyValues(p.Location)
	case "fallDown", "FALLDOWN":
		obs.Kind = canonical.KindFall
		obs.Values = katiEmergencyValues(p.Location)
	default:
		return nil, &Error{Code: CodeUnknownTopic, Detail: TopicKatiPrefix + suffix}
	}
	return obs, nil
}

func katiStatusValues(p *katiPayload) map[string]interface{} {
	values := map[string]interface{}{"status": "online"}
	if p.Status != "" {
		values["status"] = p.Status
	}
	if p.Battery != nil {
		values["battery"] = *p.Battery
	}
	if p.SignalGSM != nil {
		values["signal"] = *p.SignalGSM
	}
	return values
}

// katiVitalValues classifies a vital-sign reading by its present fields:
// blood pressure wins, then SpO2, then temperature. A lone heart rate has no
// canonical kind of its own and is a schema violation.
func katiVitalValues(hr, spo2 *float64, bp *katiBP, temp *float64) (canonical.Kind, map[string]interface{}, *Error) {
	switch {
	case bp != nil:
		if bp.Systolic == nil || bp.Diastolic == nil {
			return "", nil, schemaErr("bloodPressure", "requires bp_sys and bp_dia")
		}
		values := map[string]interface{}{"systolic": *bp.Systolic, "diastolic": *bp.Diastolic}
		if hr != nil {
			values["pulse"] = *hr
		}
		return canonical.KindBP, values, nil
	case spo2 != nil:
		values := map[string]interface{}{"spo2": *spo2}
		if hr != nil {
			values["pulse"] = *hr
		}
		return canonical.KindSpO2, values, nil
	case temp != nil:
		return canonical.KindTemp, map[string]interface{}{"value": *temp}, nil
	default:
		return "", nil, schemaErr("bloodPressure", "no vital-sign field present")
	}
}

func katiLocationValues(loc *katiLocation) map[string]interface{} {
	values := map[string]interface{}{}
	if loc.GPS != nil && loc.GPS.Latitude != nil && loc.GPS.Longitude != nil {
		gps := map[string]interface{}{"lat": *loc.GPS.Latitude, "lon": *loc.GPS.Longitude}
		if loc.GPS.Speed != nil {
			gps["speed"] = *loc.GPS.Speed
		}
		if loc.GPS.Header != nil {
			gps["heading"] = *loc.GPS.Header
		}
		values["gps"] = gps
	}
	if loc.WiFi != "" {
		values["wifi"] = loc.WiFi
	}
	if loc.LBS != nil && loc.LBS.MCC != nil && loc.LBS.MNC != nil && loc.LBS.LAC != nil && loc.LBS.CID != nil {
		values["lbs"] = map[string]interface{}{
			"mcc": *loc.LBS.MCC, "mnc": *loc.LBS.MNC, "lac": *loc.LBS.LAC, "cid": *loc.LBS.CID,
		}
	}
	return values
}

func katiEmergencyValues(loc *katiLocation) map[string]interface{} {
	values := map[string]interface{}{}
	if loc != nil {
		if lv := katiLocationValues(loc); len(lv) > 0 {
			values["location"] = lv
		}
	}
	return values
}
