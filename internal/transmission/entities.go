package transmission

// Entity is one Home Assistant entity read from the state payload.
type Entity struct {
	Key         string // State json key, also the entity id
	Name        string
	Type        string // "sensor" / "binary_sensor"
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
	Category    string
}

// Entities is the authoritative list published via discovery. Add a row
// here and a matching State field; nothing else changes.
var Entities = []Entity{
	{Key: "driver_state", Name: "Driver State", Type: "sensor", Icon: "mdi:steering"},
	{Key: "remaining_seconds", Name: "Exclusive Remaining", Type: "sensor", DeviceClass: "duration", Unit: "s", Icon: "mdi:timer-sand"},
	{Key: "merchant_name", Name: "Exclusive Merchant", Type: "sensor", Icon: "mdi:storefront"},
	{Key: "in_radius", Name: "At Charger", Type: "binary_sensor", DeviceClass: "presence"},
	{Key: "distance_m", Name: "Charger Distance", Type: "sensor", DeviceClass: "distance", Unit: "m", StateClass: "measurement"},
	{Key: "charging", Name: "Charging", Type: "binary_sensor", DeviceClass: "battery_charging"},
	{Key: "duration_minutes", Name: "Charging Duration", Type: "sensor", DeviceClass: "duration", Unit: "min", StateClass: "measurement"},
	{Key: "kwh_delivered", Name: "Energy Delivered", Type: "sensor", DeviceClass: "energy", Unit: "kWh", StateClass: "total_increasing"},
	{Key: "stale", Name: "Session Data Stale", Type: "binary_sensor", DeviceClass: "problem", Category: "diagnostic"},
	{Key: "incentive", Name: "Last Reward", Type: "sensor", Icon: "mdi:gift"},
}
