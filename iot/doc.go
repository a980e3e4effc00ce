// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the IoT telemetry gateway

Devices connect to the MQTT broker (package mqtt) and publish below the
topic namespace "iot/" (package topic). Every broker event is handed to the
telemetry router (package router), which keeps the live device registry
(package registry), evaluates alert thresholds (package alert), persists
devices, readings, alerts, logs and subscriptions through the persistence
gateway (package store) and broadcasts to the real-time subscribers
(package fanout). Readings and alerts can also be exported to Kafka
(package export).

The RESTful api (package api) reads from the store and from the registry. It
only needs a message publisher to send commands to devices, which the broker
satisfies.
*/
package iot
