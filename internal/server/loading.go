package server

const loadingPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="3">
<title>Starting gateway</title>
<style>
body{font-family:system-ui,sans-serif;display:flex;align-items:center;justify-content:center;height:100vh;margin:0;background:#111;color:#eee}
.box{text-align:center}
.spin{width:36px;height:36px;margin:0 auto 16px;border:4px solid #444;border-top-color:#eee;border-radius:50%;animation:s 1s linear infinite}
@keyframes s{to{transform:rotate(360deg)}}
</style>
</head>
<body>
<div class="box">
<div class="spin"></div>
<p>The gateway is starting. This page reloads automatically.</p>
</div>
</body>
</html>
`
