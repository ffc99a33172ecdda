// Package mqtt announces a blendchat worker to Home Assistant. The
// worker appears as a device with sensors for uptime, backend health,
// the default model, and the day's request and token counts.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. Each
// (re-)connect publishes retained discovery configs and an "online"
// birth message; a will message flips availability to "offline" when
// the worker disappears without saying goodbye.
package mqtt
