/*Package mqttbridge connects the device side to the relay.

Two modes are supported. The embedded mode runs a gmqtt broker inside the
service process; device connects, subscribes and publishes pass through the
relay's authorization and dispatch pipeline via broker hooks. The external
mode bridges to an already running broker over a paho client and mirrors
the relevant topic trees into the relay.

In both modes the bridge satisfies the relay's MessagePublisher so that
dashboard publishes and presence updates reach the devices.
*/
package mqttbridge
