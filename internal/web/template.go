package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/hall-keyboard/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"depthBar": func(d uint8) string {
		const width = 16
		n := int(d) * width / 255
		bar := ""
		for i := 0; i < width; i++ {
			if i < n {
				bar += "█"
			} else {
				bar += "░"
			}
		}
		return bar
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Hall Keyboard</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 3px 8px; border-bottom: 1px solid #ddd; }
.pressed { color: green; font-weight: bold; }
.idle { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.bar { letter-spacing: -1px; }
</style>
</head>
<body>
<h1>Hall Keyboard</h1>

<h2>State</h2>
<table>
<tr><th>Profile</th><td>{{.Profile}}</td></tr>
<tr><th>Layer</th><td>{{.Layer}} (default {{.DefaultLayer}})</td></tr>
<tr><th>Pressed keys</th><td>{{.PressedCount}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Presses</th><td>{{.Counts.Presses}}</td></tr>
<tr><th>Releases</th><td>{{.Counts.Releases}}</td></tr>
</table>

<h2>Keys</h2>
<table>
<tr><th>Key</th><th>Travel</th><th>Distance</th><th>Filtered</th><th>Rest</th><th>Bottom-out</th><th>State</th></tr>
{{range $i, $k := .Keys}}<tr>
<td>{{$i}}</td>
<td class="bar">{{depthBar $k.Distance}}</td>
<td>{{$k.Distance}}</td>
<td>{{$k.Filtered}}</td>
<td>{{$k.Rest}}</td>
<td>{{$k.BottomOut}}</td>
<td class="{{if $k.Pressed}}pressed{{else}}idle{{end}}">{{if $k.Pressed}}DOWN{{else}}up{{end}}</td>
</tr>{{end}}
</table>

<p>Config: tick={{.Config.TickRateMS}}ms http={{.Config.HTTPPort}}{{if .Config.ConfigPath}} config={{.Config.ConfigPath}}{{end}}</p>
<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	if err := indexTmpl.Execute(w, snap); err != nil {
		log.Printf("web: render error: %v", err)
	}
}
