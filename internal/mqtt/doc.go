// Package mqtt is inkclock's time source. It keeps a connection to the
// broker, subscribes to the "past" and "now" topics, and hands every
// payload to a [MessageHandler].
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to both topics, which makes the broker replay their
// retained values, and publishes a birth message ("online") to the
// availability topic. A will message flips availability to "offline"
// on unexpected disconnects.
//
// When the MQTT display is selected the client also publishes retained
// Home Assistant discovery configs so the elapsed label and the LED
// indicator appear as entities of a single device.
package mqtt
